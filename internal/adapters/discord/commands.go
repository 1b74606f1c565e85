package discord

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"first-bot/internal/domain"
	"first-bot/internal/usecase/leaderboard"
)

const leaderboardLimit = 10

func (g *Gateway) handleCommand(ctx context.Context, server domain.Server, m *discordgo.MessageCreate) {
	text := strings.TrimSpace(m.Content)
	switch {
	case strings.HasPrefix(text, "!leaderboard"):
		arg := strings.TrimSpace(strings.TrimPrefix(text, "!leaderboard"))
		g.handleLeaderboard(ctx, server, m.ChannelID, arg)
	case strings.HasPrefix(text, "!stats"):
		g.handleStats(ctx, server, m)
	case strings.HasPrefix(text, "!flairs"):
		g.handleFlairs(ctx, server, m)
	case strings.HasPrefix(text, "!streak"):
		g.handleStreak(ctx, server, m)
	case strings.HasPrefix(text, "!help"):
		g.reply(m.ChannelID, "Команды: !leaderboard [MM-DD-YYYY], !stats [@user], !flairs [@user], !streak [@user] <1|2|3|last|secondlast>")
	}
}

func (g *Gateway) handleLeaderboard(ctx context.Context, server domain.Server, channelID, arg string) {
	var (
		snap domain.LeaderboardSnapshot
		err  error
	)
	if arg == "" {
		snap, err = g.boards.Current(ctx, server.ID)
	} else {
		var day time.Time
		day, err = domain.ParseDayKey(arg)
		if err != nil {
			g.reply(channelID, "Дата указывается в формате MM-DD-YYYY")
			return
		}
		if err := leaderboard.ValidateHistoricalDate(day, time.Now(), server.Location()); err != nil {
			g.reply(channelID, "Исторический лист лидеров доступен только за прошедшие дни")
			return
		}
		snap, err = g.boards.SnapshotAsOf(ctx, server.ID, day)
	}
	if err != nil {
		g.log.Error().Err(err).Int64("server", server.ID).Msg("commands: не удалось получить лист лидеров")
		g.reply(channelID, "Не удалось получить лист лидеров, попробуйте позже")
		return
	}
	if len(snap.Rankings) == 0 {
		g.reply(channelID, "Пока нет ни одного результата")
		return
	}

	var b strings.Builder
	if arg == "" {
		b.WriteString("**Лист лидеров**\n")
	} else {
		fmt.Fprintf(&b, "**Лист лидеров на %s**\n", arg)
	}
	for _, entry := range snap.Rankings {
		if entry.Rank > leaderboardLimit {
			break
		}
		fmt.Fprintf(&b, "%d. %s — %d\n", entry.Rank, entry.Username, entry.Score)
	}
	g.reply(channelID, b.String())
}

func (g *Gateway) handleStats(ctx context.Context, server domain.Server, m *discordgo.MessageCreate) {
	userID, username := targetUser(m)
	today := domain.DateOf(time.Now(), server.Location())
	participation, err := g.stats.Participation(ctx, server.ID, userID, today)
	if err != nil {
		g.log.Error().Err(err).Int64("server", server.ID).Str("user", userID).Msg("commands: не удалось собрать статистику")
		g.reply(m.ChannelID, "Не удалось собрать статистику, попробуйте позже")
		return
	}
	if participation.DaysActive == 0 && participation.LastMessageDays == 0 {
		g.reply(m.ChannelID, fmt.Sprintf("У %s пока нет участия", username))
		return
	}
	g.reply(m.ChannelID, fmt.Sprintf(
		"**%s**: дней в игре %d, первых мест %d, последних сообщений %d, предпоследних %d",
		username, participation.DaysActive, participation.FirstPlaceDays, participation.LastMessageDays, participation.SecondLastDays,
	))
}

func (g *Gateway) handleFlairs(ctx context.Context, server domain.Server, m *discordgo.MessageCreate) {
	userID, username := targetUser(m)
	today := domain.DateOf(time.Now(), server.Location())
	awards, err := g.flairs.Evaluate(ctx, server.ID, userID, today)
	if err != nil {
		g.log.Error().Err(err).Int64("server", server.ID).Str("user", userID).Msg("commands: не удалось вычислить флаеры")
		g.reply(m.ChannelID, "Не удалось получить флаеры, попробуйте позже")
		return
	}
	if len(awards) == 0 {
		g.reply(m.ChannelID, fmt.Sprintf("У %s пока нет флаеров", username))
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "**Флаеры %s**\n", username)
	for _, award := range awards {
		name := award.Tier
		if name == "" {
			name = string(award.Kind)
		}
		fmt.Fprintf(&b, "- %s: %s\n", name, domain.DayKey(award.DateEarned))
	}
	g.reply(m.ChannelID, b.String())
}

func (g *Gateway) handleStreak(ctx context.Context, server domain.Server, m *discordgo.MessageCreate) {
	userID, username := targetUser(m)
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(m.Content), "!streak"))

	category := domain.StreakCategory{Kind: domain.StreakKindPosition, Position: 1}
	for _, field := range fields {
		if strings.HasPrefix(field, "<@") {
			continue
		}
		switch field {
		case "last":
			category = domain.StreakCategory{Kind: domain.StreakKindLast}
		case "secondlast":
			category = domain.StreakCategory{Kind: domain.StreakKindSecondLast}
		default:
			var pos int
			if _, err := fmt.Sscanf(field, "%d", &pos); err != nil || pos < 1 {
				g.reply(m.ChannelID, "Категория: номер позиции, last или secondlast")
				return
			}
			category = domain.StreakCategory{Kind: domain.StreakKindPosition, Position: pos}
		}
	}

	today := domain.DateOf(time.Now(), server.Location())
	streak, err := g.flairs.Streak(ctx, server.ID, userID, category, today)
	if err != nil {
		g.log.Error().Err(err).Int64("server", server.ID).Str("user", userID).Msg("commands: не удалось вычислить серию")
		g.reply(m.ChannelID, "Не удалось вычислить серию, попробуйте позже")
		return
	}
	g.reply(m.ChannelID, fmt.Sprintf("**%s**: текущая серия %d, рекорд %d", username, streak.Current, streak.Longest))
}

// targetUser возвращает первого упомянутого пользователя или автора команды.
func targetUser(m *discordgo.MessageCreate) (string, string) {
	if len(m.Mentions) > 0 {
		return m.Mentions[0].ID, m.Mentions[0].Username
	}
	return m.Author.ID, m.Author.Username
}

func (g *Gateway) reply(channelID, text string) {
	if _, err := g.session.ChannelMessageSend(channelID, text); err != nil {
		g.log.Error().Err(err).Str("channel", channelID).Msg("commands: не удалось отправить ответ")
	}
}
