package tgbot

import (
	"sync"

	"github.com/m3rciful/liteim/core/telegram/format"
	"github.com/m3rciful/liteim/core/telegram/keyboard"
	"github.com/m3rciful/liteim/internal/conversation"
	"github.com/m3rciful/liteim/internal/idgen"

	tele "gopkg.in/telebot.v4"
)

// render converts msg into a telebot payload and its send options.
func render(msg conversation.Message, data *dataTable) (interface{}, *tele.SendOptions) {
	opts := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}
	if len(msg.Choices) > 0 {
		rows := make([][]keyboard.InlineBtn, 0, len(msg.Choices))
		for _, row := range msg.Choices {
			btns := make([]keyboard.InlineBtn, 0, len(row))
			for _, c := range row {
				btns = append(btns, keyboard.InlineBtn{Text: c.Label, Data: data.encode(c.Data), URL: c.URL})
			}
			rows = append(rows, btns)
		}
		opts.ReplyMarkup = keyboard.InlineButtonsRows(rows...)
	}
	if msg.Photo != "" {
		return &tele.Photo{File: tele.FromURL(msg.Photo), Caption: format.Truncate(msg.Text, format.MaxCaption)}, opts
	}
	return format.Truncate(msg.Text, format.MaxMessage), opts
}

// tokenPrefix marks button data that stands for a longer value.
const tokenPrefix = "~"

// dataTable maps choice data that does not fit in a callback onto short
// tokens. The oldest tokens are evicted once size is reached.
type dataTable struct {
	mu     sync.Mutex
	size   int
	values map[string]string
	tokens map[string]string
	order  []string
}

func newDataTable(size int) *dataTable {
	return &dataTable{
		size:   size,
		values: make(map[string]string),
		tokens: make(map[string]string),
	}
}

func (t *dataTable) encode(data string) string {
	if len(data) <= format.MaxCallbackData {
		return data
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if tok, ok := t.tokens[data]; ok {
		return tok
	}
	tok := tokenPrefix + idgen.New()
	t.values[tok] = data
	t.tokens[data] = tok
	t.order = append(t.order, tok)
	for len(t.order) > t.size {
		old := t.order[0]
		t.order = t.order[1:]
		delete(t.tokens, t.values[old])
		delete(t.values, old)
	}
	return tok
}

// decode resolves a token back to its data. Forgotten tokens fall back to the
// main menu.
func (t *dataTable) decode(data string) string {
	if len(data) == 0 || data[:1] != tokenPrefix {
		return data
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.values[data]; ok {
		return v
	}
	return "/help"
}
