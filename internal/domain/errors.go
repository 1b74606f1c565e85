package domain

import "errors"

// ErrInvalidDate возвращается при запросе будущей даты, сегодняшнего дня для
// исторического снимка или некорректного диапазона дат.
var ErrInvalidDate = errors.New("некорректная дата")

// ErrSnapshotNotFound возвращается, если датированный снимок не сохранён.
var ErrSnapshotNotFound = errors.New("снимок не найден")

// ErrServerNotFound возвращается, если сервер не зарегистрирован.
var ErrServerNotFound = errors.New("сервер не зарегистрирован")
