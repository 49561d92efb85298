package commands

import (
	tele "gopkg.in/telebot.v4"
)

// Command represents a bot command with its handler, description, and metadata.
// Hidden commands work but are left out of the command menu.
type Command struct {
	Handler     tele.HandlerFunc
	Description string
	Hidden      bool
}
