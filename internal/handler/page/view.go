package page

import (
	"html/template"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/qa-bot/backend/internal/config"
	"github.com/zhouzirui/qa-bot/backend/internal/logging"
	"github.com/zhouzirui/qa-bot/backend/internal/model/chat"
	"github.com/zhouzirui/qa-bot/backend/internal/render"
	chatService "github.com/zhouzirui/qa-bot/backend/internal/service/chat"
)

type turnView struct {
	Speaker string
	Label   string
	HTML    template.HTML
}

type pageData struct {
	Title     string
	SessionID string
	Mode      string
	Modes     []string
	Response  []turnView
	History   []turnView
	Error     string
	Fatal     bool
}

type view struct {
	title string
	tpl   *template.Template
	md    *render.Markdown
	log   zerolog.Logger
}

func newView(profile config.AssistantProfile) (*view, error) {
	tpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(profile.Name)
	if title == "" {
		title = config.DefaultAssistantName
	}
	return &view{title: title, tpl: tpl, md: render.NewMarkdown(), log: logging.For("page")}, nil
}

func (v *view) pageFor(session *chatService.Session, mode chat.Mode, response []chat.Turn, errMsg string) pageData {
	return pageData{
		Title:     v.title,
		SessionID: session.ID(),
		Mode:      string(mode),
		Modes:     []string{string(chat.ModeStreamed), string(chat.ModeBatched)},
		Response:  v.turns(response),
		History:   v.turns(session.All()),
		Error:     errMsg,
	}
}

// turns renders bot text as markdown; user text is escaped as typed.
func (v *view) turns(turns []chat.Turn) []turnView {
	out := make([]turnView, 0, len(turns))
	for _, turn := range turns {
		tv := turnView{Speaker: string(turn.Speaker), Label: turn.Speaker.Label()}
		if turn.Speaker == chat.SpeakerBot {
			tv.HTML = v.md.HTML(turn.Text)
		} else {
			tv.HTML = template.HTML(template.HTMLEscapeString(turn.Text))
		}
		out = append(out, tv)
	}
	return out
}

func (v *view) render(w http.ResponseWriter, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := v.tpl.ExecuteTemplate(w, "page.html", data); err != nil {
		v.log.Error().Err(err).Msg("template execute")
	}
}

func (v *view) renderError(w http.ResponseWriter, status int, err error) {
	v.render(w, status, pageData{Title: v.title, Fatal: true, Error: err.Error()})
}
