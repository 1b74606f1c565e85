package ledger

import (
	"context"
	"fmt"
	"slices"
	"time"

	"first-bot/internal/domain"
	"first-bot/internal/infra/metrics"
)

// Service реализует журнал дня: фиксацию первых сообщений и закрытие дня.
type Service struct {
	ledger   domain.LedgerRepo
	history  domain.ChannelHistory
	lookback int
}

// NewService создаёт сервис журнала. lookback — глубина просмотра истории по
// умолчанию, если сервер не задал свою.
func NewService(ledgerRepo domain.LedgerRepo, history domain.ChannelHistory, lookback int) *Service {
	return &Service{ledger: ledgerRepo, history: history, lookback: lookback}
}

// RecordFirstMessage регистрирует кандидата на первое сообщение дня.
// Повторные сообщения пользователя за тот же день игнорируются.
func (s *Service) RecordFirstMessage(ctx context.Context, server domain.Server, userID, username, messageID string, postedAt time.Time) (bool, error) {
	day := domain.DateOf(postedAt, server.Location())
	created, err := s.ledger.RecordFirstMessage(ctx, server.ID, day, domain.FirstMessage{
		UserID:    userID,
		Username:  username,
		MessageID: messageID,
		PostedAt:  postedAt,
	})
	if err != nil {
		return false, fmt.Errorf("запись первого сообщения: %w", err)
	}
	if created {
		metrics.FirstMessagesRecorded.Inc()
	} else {
		metrics.FirstMessagesIgnored.Inc()
	}
	return created, nil
}

// Day возвращает журнал дня. Отсутствие журнала не является ошибкой.
func (s *Service) Day(ctx context.Context, serverID int64, day time.Time) (domain.DayLedger, bool, error) {
	return s.ledger.GetDay(ctx, serverID, day)
}

// ResolveLastMessages определяет последнего и предпоследнего авторов дня по
// ограниченному окну истории канала и один раз закрывает день. Если в окне не
// нашлось подходящих сообщений, день закрывается без них: подсчёт пойдёт
// только по позиционным очкам.
func (s *Service) ResolveLastMessages(ctx context.Context, server domain.Server, day time.Time) (domain.DayLedger, error) {
	lookback := server.Lookback
	if lookback <= 0 {
		lookback = s.lookback
	}

	history, err := s.history.FetchRecentMessages(ctx, server.ChannelID, lookback)
	if err != nil {
		return domain.DayLedger{}, fmt.Errorf("история канала %s: %w", server.ChannelID, err)
	}

	last, secondLast := pickLastAuthors(history, day, server.Location())

	if _, err := s.ledger.CloseDay(ctx, server.ID, day, last, secondLast); err != nil {
		return domain.DayLedger{}, fmt.Errorf("закрытие дня %s: %w", domain.DayKey(day), err)
	}

	closed, ok, err := s.ledger.GetDay(ctx, server.ID, day)
	if err != nil {
		return domain.DayLedger{}, fmt.Errorf("чтение журнала дня: %w", err)
	}
	if !ok {
		return domain.DayLedger{ServerID: server.ID, Day: day, Closed: true}, nil
	}
	return closed, nil
}

// pickLastAuthors фильтрует окно истории до сообщений людей внутри дня и
// выбирает самое позднее сообщение и самое позднее сообщение другого автора.
func pickLastAuthors(history []domain.ChannelMessage, day time.Time, loc *time.Location) (last, secondLast *domain.LastMessage) {
	var window []domain.ChannelMessage
	for _, msg := range history {
		if msg.IsBot {
			continue
		}
		if !domain.DateOf(msg.PostedAt, loc).Equal(day) {
			continue
		}
		window = append(window, msg)
	}
	if len(window) == 0 {
		return nil, nil
	}

	slices.SortStableFunc(window, func(a, b domain.ChannelMessage) int {
		return b.PostedAt.Compare(a.PostedAt)
	})

	last = &domain.LastMessage{
		UserID:    window[0].AuthorID,
		Username:  window[0].AuthorUsername,
		MessageID: window[0].MessageID,
		PostedAt:  window[0].PostedAt,
	}
	for _, msg := range window[1:] {
		if msg.AuthorID == last.UserID {
			continue
		}
		secondLast = &domain.LastMessage{
			UserID:    msg.AuthorID,
			Username:  msg.AuthorUsername,
			MessageID: msg.MessageID,
			PostedAt:  msg.PostedAt,
		}
		break
	}
	return last, secondLast
}
