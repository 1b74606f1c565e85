package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"first-bot/internal/domain"
	"first-bot/internal/infra/metrics"
	"first-bot/internal/usecase/flair"
	"first-bot/internal/usecase/leaderboard"
	"first-bot/internal/usecase/ledger"
	"first-bot/internal/usecase/stats"
)

// Gateway слушает сообщения Discord, ведёт журнал первых сообщений и
// обслуживает чат-команды.
type Gateway struct {
	session *discordgo.Session
	log     zerolog.Logger

	servers domain.ServerRepo
	ledger  *ledger.Service
	boards  *leaderboard.Service
	flairs  *flair.Service
	stats   *stats.Service
}

// NewGateway создаёт гейтвей поверх открытой сессии discordgo.
func NewGateway(session *discordgo.Session, logger zerolog.Logger, servers domain.ServerRepo, ledgerSvc *ledger.Service, boards *leaderboard.Service, flairs *flair.Service, statsSvc *stats.Service) *Gateway {
	return &Gateway{
		session: session,
		log:     logger,
		servers: servers,
		ledger:  ledgerSvc,
		boards:  boards,
		flairs:  flairs,
		stats:   statsSvc,
	}
}

// Start подписывается на события и открывает подключение к шлюзу Discord.
func (g *Gateway) Start() error {
	g.session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentMessageContent
	g.session.AddHandler(g.handleMessageCreate)
	if err := g.session.Open(); err != nil {
		return fmt.Errorf("открытие сессии Discord: %w", err)
	}
	return nil
}

// Close закрывает подключение к шлюзу.
func (g *Gateway) Close() error {
	return g.session.Close()
}

func (g *Gateway) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server, err := g.servers.GetServerByGuild(ctx, m.GuildID)
	if err != nil {
		if !errors.Is(err, domain.ErrServerNotFound) {
			g.log.Error().Err(err).Str("guild", m.GuildID).Msg("gateway: не удалось найти сервер")
		}
		return
	}

	if strings.HasPrefix(strings.TrimSpace(m.Content), "!") {
		g.handleCommand(ctx, server, m)
		return
	}

	if m.ChannelID != server.ChannelID {
		return
	}

	created, err := g.ledger.RecordFirstMessage(ctx, server, m.Author.ID, m.Author.Username, m.ID, m.Timestamp)
	if err != nil {
		g.log.Error().Err(err).Str("guild", m.GuildID).Str("user", m.Author.ID).Msg("gateway: не удалось записать первое сообщение")
		return
	}
	if created {
		g.log.Debug().Str("guild", m.GuildID).Str("user", m.Author.ID).Msg("gateway: первое сообщение дня записано")
	}
}

// History реализует domain.ChannelHistory через REST API Discord.
// Глубина просмотра ограничена запрошенным лимитом: на очень активных днях
// настоящие последние сообщения могут не попасть в окно.
type History struct {
	session *discordgo.Session
}

// NewHistory создаёт адаптер истории канала.
func NewHistory(session *discordgo.Session) *History {
	return &History{session: session}
}

var _ domain.ChannelHistory = (*History)(nil)

// FetchRecentMessages возвращает до limit последних сообщений канала.
func (h *History) FetchRecentMessages(ctx context.Context, channelID string, limit int) ([]domain.ChannelMessage, error) {
	start := time.Now()
	raw, err := h.session.ChannelMessages(channelID, limit, "", "", "", discordgo.WithContext(ctx))
	metrics.ObserveNetworkRequest("discord", "channel_messages", channelID, start, err)
	if err != nil {
		return nil, fmt.Errorf("история канала %s: %w", channelID, err)
	}

	messages := make([]domain.ChannelMessage, 0, len(raw))
	for _, msg := range raw {
		if msg.Author == nil {
			continue
		}
		messages = append(messages, domain.ChannelMessage{
			AuthorID:       msg.Author.ID,
			AuthorUsername: msg.Author.Username,
			IsBot:          msg.Author.Bot,
			MessageID:      msg.ID,
			PostedAt:       msg.Timestamp,
		})
	}
	return messages, nil
}

// Notifier реализует domain.RoleNotifier: выдаёт роль уровня и анонсирует
// получение флаера в канале сервера.
type Notifier struct {
	session *discordgo.Session
	log     zerolog.Logger
	tiers   []domain.FlairTier
}

// NewNotifier создаёт нотификатор ролей.
func NewNotifier(session *discordgo.Session, logger zerolog.Logger, tiers []domain.FlairTier) *Notifier {
	return &Notifier{session: session, log: logger, tiers: tiers}
}

var _ domain.RoleNotifier = (*Notifier)(nil)

// NotifyFlairEarned выдаёт роль и публикует анонс. Отсутствие роли у уровня —
// не ошибка: остаётся только анонс.
func (n *Notifier) NotifyFlairEarned(ctx context.Context, server domain.Server, event domain.FlairEvent) error {
	if roleID := n.roleFor(event.Tier); roleID != "" {
		start := time.Now()
		err := n.session.GuildMemberRoleAdd(server.GuildID, event.UserID, roleID, discordgo.WithContext(ctx))
		metrics.ObserveNetworkRequest("discord", "role_add", server.GuildID, start, err)
		if err != nil {
			return fmt.Errorf("выдача роли %s: %w", roleID, err)
		}
	}

	channelID := server.AnnounceChannelID
	if channelID == "" {
		channelID = server.ChannelID
	}
	text := announceText(event)
	start := time.Now()
	_, err := n.session.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	metrics.ObserveNetworkRequest("discord", "message_send", channelID, start, err)
	if err != nil {
		n.log.Error().Err(err).Str("channel", channelID).Msg("notifier: не удалось отправить анонс")
	}
	return nil
}

func (n *Notifier) roleFor(tier string) string {
	for _, t := range n.tiers {
		if t.Name == tier {
			return t.RoleID
		}
	}
	return ""
}

func announceText(event domain.FlairEvent) string {
	switch event.Kind {
	case domain.FlairKindThreshold:
		return fmt.Sprintf("<@%s> получает флаер **%s** (%s)!", event.UserID, event.Tier, domain.DayKey(event.DateEarned))
	case domain.FlairKindQualifying:
		return fmt.Sprintf("<@%s> открывает путь к флаерам: первое или последнее сообщение дня %s!", event.UserID, domain.DayKey(event.DateEarned))
	default:
		return fmt.Sprintf("<@%s> впервые в игре: %s!", event.UserID, domain.DayKey(event.DateEarned))
	}
}
