package chat

import (
	"context"
	"sort"
	"sync"

	"github.com/foodbridge/internal/logger"
	"github.com/foodbridge/internal/metrics"
	"github.com/foodbridge/internal/model"
	"github.com/foodbridge/internal/storage"
)

const shardCount = 64

type entry struct {
	last   model.Message
	unread int
}

type shard struct {
	mu    sync.RWMutex
	views map[int64]map[int64]*entry // viewer -> peer -> entry
}

// ActiveChats — кэш сводок переписок по каждому зрителю. Все изменения хранилища,
// влияющие на кэш (Append, MarkRead), идут только через него: запись в хранилище и
// правка кэша выполняются под write-локами шардов обоих участников, поэтому читатель
// не увидит сохранённое сообщение без правки. Представления грузятся лениво из
// MessageStore.Conversations и всегда могут быть пересобраны из него.
type ActiveChats struct {
	store  storage.MessageStore
	shards [shardCount]shard
}

func NewActiveChats(store storage.MessageStore) *ActiveChats {
	a := &ActiveChats{store: store}
	for i := range a.shards {
		a.shards[i].views = make(map[int64]map[int64]*entry)
	}
	return a
}

func (a *ActiveChats) shardOf(userID int64) *shard {
	return &a.shards[uint64(userID)%shardCount]
}

// lockPair берёт write-локи шардов x и y в порядке индексов.
func (a *ActiveChats) lockPair(x, y int64) func() {
	i, j := uint64(x)%shardCount, uint64(y)%shardCount
	if i == j {
		a.shards[i].mu.Lock()
		return a.shards[i].mu.Unlock
	}
	if i > j {
		i, j = j, i
	}
	a.shards[i].mu.Lock()
	a.shards[j].mu.Lock()
	return func() {
		a.shards[j].mu.Unlock()
		a.shards[i].mu.Unlock()
	}
}

// loadLocked возвращает представление viewer, читая его из хранилища, если его нет в кэше.
// Вызывающий держит write-лок шарда viewer.
func (a *ActiveChats) loadLocked(ctx context.Context, sh *shard, viewerID int64) (map[int64]*entry, error) {
	if v, ok := sh.views[viewerID]; ok {
		return v, nil
	}
	convs, err := a.store.Conversations(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	v := viewFromSummaries(convs)
	sh.views[viewerID] = v
	return v, nil
}

func viewFromSummaries(convs []model.ConversationSummary) map[int64]*entry {
	v := make(map[int64]*entry, len(convs))
	for _, c := range convs {
		v[c.PeerID] = &entry{last: c.LastMessage, unread: c.Unread}
	}
	return v
}

func summariesOf(v map[int64]*entry) []model.ConversationSummary {
	out := make([]model.ConversationSummary, 0, len(v))
	for peer, e := range v {
		out = append(out, model.ConversationSummary{PeerID: peer, LastMessage: e.last, Unread: e.unread})
	}
	sort.Slice(out, func(i, j int) bool { return out[j].LastMessage.Before(&out[i].LastMessage) })
	return out
}

// Get — переписки viewer, самые свежие первыми.
func (a *ActiveChats) Get(ctx context.Context, viewerID int64) ([]model.ConversationSummary, error) {
	sh := a.shardOf(viewerID)
	sh.mu.RLock()
	if v, ok := sh.views[viewerID]; ok {
		out := summariesOf(v)
		sh.mu.RUnlock()
		return out, nil
	}
	sh.mu.RUnlock()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, err := a.loadLocked(ctx, sh, viewerID)
	if err != nil {
		return nil, err
	}
	return summariesOf(v), nil
}

// Append сохраняет сообщение и правит представления обоих участников. Возвращаемые
// сводки описывают переписку со стороны отправителя и получателя. Сводка получателя
// nil, если её не удалось посчитать; сообщение сохраняется в любом случае.
func (a *ActiveChats) Append(ctx context.Context, senderID, receiverID int64, content string) (*model.Message, *model.ConversationSummary, *model.ConversationSummary, error) {
	unlock := a.lockPair(senderID, receiverID)
	defer unlock()

	msg, err := a.store.Append(ctx, senderID, receiverID, content)
	if err != nil {
		return nil, nil, nil, err
	}

	var senderSum, receiverSum *model.ConversationSummary

	ssh := a.shardOf(senderID)
	if v, ok := ssh.views[senderID]; ok {
		e := v[receiverID]
		if e == nil {
			e = &entry{}
			v[receiverID] = e
		}
		e.last = *msg
		senderSum = &model.ConversationSummary{PeerID: receiverID, LastMessage: e.last, Unread: e.unread}
	} else if v, err := a.loadLocked(ctx, ssh, senderID); err == nil {
		// свежее представление уже содержит msg
		if e := v[receiverID]; e != nil {
			senderSum = &model.ConversationSummary{PeerID: receiverID, LastMessage: e.last, Unread: e.unread}
		}
	} else {
		logger.Errorf("activechats: load view %d after append %d: %v", senderID, msg.ID, err)
	}

	rsh := a.shardOf(receiverID)
	if v, ok := rsh.views[receiverID]; ok {
		e := v[senderID]
		if e == nil {
			e = &entry{}
			v[senderID] = e
		}
		e.last = *msg
		e.unread++
		receiverSum = &model.ConversationSummary{PeerID: senderID, LastMessage: e.last, Unread: e.unread}
	} else if n, err := a.store.CountUnread(ctx, receiverID, senderID); err == nil {
		receiverSum = &model.ConversationSummary{PeerID: senderID, LastMessage: *msg, Unread: n}
	} else {
		logger.Errorf("activechats: count unread %d<-%d after append %d: %v", receiverID, senderID, msg.ID, err)
	}

	return msg, senderSum, receiverSum, nil
}

// MarkRead помечает прочитанными входящие viewer от peer и правит оба представления.
// Возвращает id помеченных и обновлённую сводку viewer по peer (nil, если переписки не было).
func (a *ActiveChats) MarkRead(ctx context.Context, viewerID, peerID int64) ([]int64, *model.ConversationSummary, error) {
	unlock := a.lockPair(viewerID, peerID)
	defer unlock()

	flipped, err := a.store.MarkRead(ctx, viewerID, peerID)
	if err != nil {
		return nil, nil, err
	}
	flippedSet := make(map[int64]struct{}, len(flipped))
	for _, id := range flipped {
		flippedSet[id] = struct{}{}
	}

	var viewerSum *model.ConversationSummary
	vsh := a.shardOf(viewerID)
	_, cached := vsh.views[viewerID]
	v, err := a.loadLocked(ctx, vsh, viewerID)
	if err != nil {
		logger.Errorf("activechats: load view %d after mark read: %v", viewerID, err)
	} else if e := v[peerID]; e != nil {
		if cached {
			e.unread = 0
			if _, ok := flippedSet[e.last.ID]; ok {
				e.last.IsRead = true
			}
		}
		viewerSum = &model.ConversationSummary{PeerID: peerID, LastMessage: e.last, Unread: e.unread}
	}

	// peer видит своё последнее сообщение прочитанным
	psh := a.shardOf(peerID)
	if pv, ok := psh.views[peerID]; ok {
		if e := pv[viewerID]; e != nil {
			if _, ok := flippedSet[e.last.ID]; ok {
				e.last.IsRead = true
			}
		}
	}
	return flipped, viewerSum, nil
}

// Evict сбрасывает представление; следующее чтение загрузит его из хранилища.
func (a *ActiveChats) Evict(viewerID int64) {
	sh := a.shardOf(viewerID)
	sh.mu.Lock()
	delete(sh.views, viewerID)
	sh.mu.Unlock()
}

// Cached: есть ли представление viewer в памяти.
func (a *ActiveChats) Cached(viewerID int64) bool {
	sh := a.shardOf(viewerID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.views[viewerID]
	return ok
}

// Reconcile пересобирает представление viewer из хранилища и возвращает число
// расхождений с кэшем. Если представления нет в кэше, ничего не делает.
func (a *ActiveChats) Reconcile(ctx context.Context, viewerID int64) (int, error) {
	sh := a.shardOf(viewerID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	old, ok := sh.views[viewerID]
	if !ok {
		return 0, nil
	}
	convs, err := a.store.Conversations(ctx, viewerID)
	if err != nil {
		return 0, err
	}
	fresh := viewFromSummaries(convs)
	diverged := diffViews(old, fresh)
	if diverged > 0 {
		metrics.ReconcileDivergences.Add(float64(diverged))
		logger.Warnf("activechats: viewer %d had %d diverged entries, rebuilt from store", viewerID, diverged)
	}
	sh.views[viewerID] = fresh
	return diverged, nil
}

// ReconcileAll выполняет Reconcile для всех представлений в кэше. Представления тех,
// для кого keep возвращает false, вместо этого сбрасываются; keep == nil оставляет все.
func (a *ActiveChats) ReconcileAll(ctx context.Context, keep func(viewerID int64) bool) (int, error) {
	var viewers []int64
	for i := range a.shards {
		sh := &a.shards[i]
		sh.mu.RLock()
		for id := range sh.views {
			viewers = append(viewers, id)
		}
		sh.mu.RUnlock()
	}
	total := 0
	for _, id := range viewers {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		if keep != nil && !keep(id) {
			a.Evict(id)
			continue
		}
		n, err := a.Reconcile(ctx, id)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func diffViews(old, fresh map[int64]*entry) int {
	n := 0
	for peer, f := range fresh {
		o, ok := old[peer]
		if !ok || o.unread != f.unread || !o.last.SameAs(&f.last) {
			n++
		}
	}
	for peer := range old {
		if _, ok := fresh[peer]; !ok {
			n++
		}
	}
	return n
}
