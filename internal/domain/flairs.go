package domain

import "time"

// FlairKind описывает тип флаера.
type FlairKind string

const (
	// FlairKindParticipation — пользователь хотя бы раз попал в список первых сообщений.
	FlairKindParticipation FlairKind = "participation"
	// FlairKindQualifying — пользователь был первым автором дня или автором последнего сообщения.
	FlairKindQualifying FlairKind = "qualifying"
	// FlairKindThreshold — накопительный счёт достиг порога уровня.
	FlairKindThreshold FlairKind = "threshold"
)

// FlairTier — уровень флаера за накопленные очки. RoleID — роль Discord,
// выдаваемая при получении уровня; может быть пустым.
type FlairTier struct {
	Name      string
	Threshold int
	RoleID    string
}

// DefaultFlairTiers возвращает упорядоченную по возрастанию порога таблицу уровней.
func DefaultFlairTiers() []FlairTier {
	return []FlairTier{
		{Name: "Bronze", Threshold: 50},
		{Name: "Silver", Threshold: 100},
		{Name: "Gold", Threshold: 250},
		{Name: "Platinum", Threshold: 500},
		{Name: "Diamond", Threshold: 1000},
	}
}

// FlairAward — заработанный флаер с датой первого получения.
type FlairAward struct {
	Kind       FlairKind `json:"kind"`
	Tier       string    `json:"tier,omitempty"`
	Threshold  int       `json:"threshold,omitempty"`
	DateEarned time.Time `json:"date_earned"`
}

// FlairEvent — событие получения флаера, передаваемое гейтвею для выдачи роли.
type FlairEvent struct {
	ServerID   int64
	UserID     string
	Username   string
	Kind       FlairKind
	Tier       string
	DateEarned time.Time
}

// StreakKind описывает категорию серии.
type StreakKind string

const (
	// StreakKindPosition — конкретная позиция в списке первых сообщений.
	StreakKindPosition StreakKind = "position"
	// StreakKindLast — автор последнего сообщения дня.
	StreakKindLast StreakKind = "last"
	// StreakKindSecondLast — автор предпоследнего сообщения дня.
	StreakKindSecondLast StreakKind = "second_last"
)

// StreakCategory — категория серии. Position учитывается только для StreakKindPosition.
type StreakCategory struct {
	Kind     StreakKind
	Position int
}

// Streak — длины серий подряд идущих дней.
type Streak struct {
	Current int `json:"current"`
	Longest int `json:"longest"`
}
