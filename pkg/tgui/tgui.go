package tgui

import (
	tele "gopkg.in/telebot.v4"
)

// Inline builds an inline keyboard row by row.
type Inline struct {
	rm   *tele.ReplyMarkup
	rows []tele.Row
}

func NewInline() *Inline {
	return &Inline{rm: &tele.ReplyMarkup{}}
}

// Row appends one row. Empty rows are skipped.
func (i *Inline) Row(btn ...tele.Btn) *Inline {
	if len(btn) == 0 {
		return i
	}
	i.rows = append(i.rows, i.rm.Row(btn...))
	i.rm.Inline(i.rows...)
	return i
}

// Markup returns nil when no row was added so callers can pass it straight
// to a send without attaching an empty keyboard.
func (i *Inline) Markup() *tele.ReplyMarkup {
	if len(i.rows) == 0 {
		return nil
	}
	return i.rm
}

// Btn is a callback button. data must come from Data.
func Btn(text, data string) tele.Btn {
	return tele.Btn{Text: text, Data: data}
}

// Grid lays buttons out n per row.
func Grid(n int, buttons []tele.Btn) *tele.ReplyMarkup {
	if len(buttons) == 0 {
		return nil
	}
	rm := &tele.ReplyMarkup{}
	rm.Inline(rm.Split(max(1, n), buttons)...)
	return rm
}
