package discord

import (
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"first-bot/internal/domain"
)

func TestTargetUser(t *testing.T) {
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		Author: &discordgo.User{ID: "author", Username: "alice"},
	}}
	userID, username := targetUser(m)
	if userID != "author" || username != "alice" {
		t.Fatalf("без упоминаний целью должен быть автор: %s %s", userID, username)
	}

	m.Mentions = []*discordgo.User{{ID: "mentioned", Username: "bob"}}
	userID, username = targetUser(m)
	if userID != "mentioned" || username != "bob" {
		t.Fatalf("при упоминании целью должен быть упомянутый: %s %s", userID, username)
	}
}

func TestAnnounceText(t *testing.T) {
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	event := domain.FlairEvent{UserID: "u1", Kind: domain.FlairKindThreshold, Tier: "Gold", DateEarned: day}

	text := announceText(event)
	if !strings.Contains(text, "<@u1>") {
		t.Fatalf("анонс должен упоминать пользователя: %s", text)
	}
	if !strings.Contains(text, "Gold") {
		t.Fatalf("анонс порогового флаера должен называть уровень: %s", text)
	}
	if !strings.Contains(text, "03-01-2026") {
		t.Fatalf("анонс должен содержать дату в формате MM-DD-YYYY: %s", text)
	}
}

func TestNotifierRoleFor(t *testing.T) {
	n := &Notifier{tiers: []domain.FlairTier{
		{Name: "Bronze", RoleID: "r1"},
		{Name: "Silver"},
	}}
	if got := n.roleFor("Bronze"); got != "r1" {
		t.Fatalf("ожидали роль r1, получили %q", got)
	}
	if got := n.roleFor("Silver"); got != "" {
		t.Fatalf("уровень без роли возвращает пустую строку, получили %q", got)
	}
	if got := n.roleFor("Diamond"); got != "" {
		t.Fatalf("неизвестный уровень возвращает пустую строку, получили %q", got)
	}
}
