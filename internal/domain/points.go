package domain

// PointTable задаёт фиксированную таблицу начисления очков. Таблица создаётся
// один раз при старте и дальше не изменяется.
type PointTable struct {
	Positions         map[int]int // очки за i-ю позицию первого сообщения (с единицы)
	DefaultPosition   int         // очки за позиции вне таблицы
	LastMessage       int         // бонус автору последнего сообщения дня
	SecondLastMessage int         // бонус автору предпоследнего сообщения дня
}

// DefaultPointTable возвращает стандартную таблицу очков.
func DefaultPointTable() PointTable {
	return PointTable{
		Positions:         map[int]int{1: 20, 2: 12, 3: 10},
		DefaultPosition:   2,
		LastMessage:       20,
		SecondLastMessage: 10,
	}
}

// PositionPoints возвращает очки за позицию position (с единицы).
func (t PointTable) PositionPoints(position int) int {
	if pts, ok := t.Positions[position]; ok {
		return pts
	}
	return t.DefaultPosition
}
