package conversation

import (
	"html"
	"regexp"
	"strings"
)

// Choice is one reply affordance. Data is sent back as the user's input when
// the choice is picked; URL choices open a link instead.
type Choice struct {
	Label string
	Data  string
	URL   string
}

// Message is a transport-neutral reply: HTML-subset text plus rows of choices.
type Message struct {
	Text    string
	Choices [][]Choice
	// Photo is an optional image URL shown with the text.
	Photo string
}

var (
	anchorRe = regexp.MustCompile(`(?is)<a\s+href="([^"]*)"[^>]*>(.*?)</a>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]+>`)
)

// Plain renders Text for transports without markup. Links keep their target
// in parentheses.
func (m Message) Plain() string {
	s := anchorRe.ReplaceAllStringFunc(m.Text, func(a string) string {
		parts := anchorRe.FindStringSubmatch(a)
		label, href := parts[2], parts[1]
		if label == "" || label == href {
			return href
		}
		return label + " (" + href + ")"
	})
	s = strings.ReplaceAll(s, "<br>", "\n")
	s = tagRe.ReplaceAllString(s, "")
	return html.UnescapeString(s)
}

// Texts renders catalog templates.
type Texts interface {
	Text(key string, vars map[string]string) string
}

// Vars is shorthand for template variables.
type Vars = map[string]string

// Row builds a single choice row.
func Row(choices ...Choice) [][]Choice {
	return [][]Choice{choices}
}

// Button is a choice whose data is a command or literal reply.
func Button(label, data string) Choice {
	return Choice{Label: label, Data: data}
}

// Link is a choice that opens url.
func Link(label, url string) Choice {
	return Choice{Label: label, URL: url}
}

// Menus builds the shared keyboards from the catalog.
type Menus struct {
	T Texts
}

func (m Menus) t(key string) string { return m.T.Text(key, nil) }

// Main is the first page of the command menu.
func (m Menus) Main() [][]Choice {
	return [][]Choice{
		{Button(m.t("menu.send"), "/send"), Button(m.t("menu.receive"), "/receive")},
		{Button(m.t("menu.balance"), "/balance"), Button(m.t("menu.transactions"), "/transactions")},
		{Button(m.t("menu.more"), "/moreInlineCommands")},
	}
}

// More is the second page of the command menu.
func (m Menus) More() [][]Choice {
	return [][]Choice{
		{Button(m.t("menu.change_password"), "/changePassword"), Button(m.t("menu.change_email"), "/changeEmail")},
		{Button(m.t("menu.export"), "/export"), Button(m.t("menu.new_chat"), "/start")},
		{Button(m.t("common.back"), "/mainInlineCommands")},
	}
}

// Cancel is the single cancel row pointing at target.
func (m Menus) Cancel(target string) [][]Choice {
	return Row(Button(m.t("common.cancel"), target))
}

// NewCode offers a fresh security code for step next to a cancel button.
// An empty step restarts the whole command.
func (m Menus) NewCode(step, cancel string) [][]Choice {
	data := CmdRequestNewCode
	if step != "" {
		data += " " + step
	}
	return Row(Button(m.t("common.new_code"), data), Button(m.t("common.cancel"), cancel))
}
