package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/foodbridge/internal/apperr"
	"github.com/foodbridge/internal/model"
	"github.com/foodbridge/internal/storage"
)

// Search ищет до SearchLimit пользователей встречной роли, в имени которых есть query
// (без учёта регистра). Пустой query — пустой результат: без запроса собеседников
// смотрят через список активных переписок.
// target, если задан, должен совпадать со встречной ролью.
func (s *Service) Search(ctx context.Context, viewerID int64, target, query string) ([]model.SearchResult, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	viewer, err := s.users.GetUser(sctx, viewerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.Authorization("user %d is not registered", viewerID)
	}
	if err != nil {
		return nil, apperr.Transient(err)
	}
	role := viewer.Role.Counterpart()
	if target != "" {
		t, ok := model.ParseRole(target)
		if !ok {
			return nil, apperr.Validation("unknown target role %q", target)
		}
		if t != role {
			return nil, apperr.Authorization("%s users can only search %s users", viewer.Role, role)
		}
	}

	q := strings.TrimSpace(query)
	if q == "" {
		return []model.SearchResult{}, nil
	}
	users, err := s.users.SearchUsers(sctx, role, q, s.cfg.SearchLimit)
	if err != nil {
		return nil, apperr.Transient(err)
	}

	sums, err := s.chats.Get(sctx, viewerID)
	if err != nil {
		return nil, apperr.Transient(err)
	}
	last := make(map[int64]model.Message, len(sums))
	for _, sum := range sums {
		last[sum.PeerID] = sum.LastMessage
	}

	out := make([]model.SearchResult, 0, len(users))
	for i := range users {
		r := model.SearchResult{PeerSummary: users[i].ToSummary()}
		if m, ok := last[users[i].ID]; ok {
			r.LastMessage = &m
		}
		out = append(out, r)
	}
	return out, nil
}
