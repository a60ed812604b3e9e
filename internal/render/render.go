// Package render turns a recipient context into the email for a phase. Each
// message carries the member's magic link BASE_URL/{vote|signup|waiver}?token=.
package render

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"net/url"
	"strings"
	texttemplate "text/template"

	"hike-coordinator/internal/dispatch"
	"hike-coordinator/internal/models"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var linkPaths = map[models.Phase]string{
	models.PhaseVoting: "vote",
	models.PhaseSignup: "signup",
	models.PhaseWaiver: "waiver",
}

type Renderer struct {
	baseURL string
	text    map[models.Phase]*texttemplate.Template
	html    map[models.Phase]*htmltemplate.Template
}

func New(baseURL string) (*Renderer, error) {
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}

	r := &Renderer{
		baseURL: strings.TrimRight(baseURL, "/"),
		text:    map[models.Phase]*texttemplate.Template{},
		html:    map[models.Phase]*htmltemplate.Template{},
	}
	for phase := range linkPaths {
		name := phase.String()
		t, err := texttemplate.ParseFS(templateFS, "templates/"+name+".txt.tmpl")
		if err != nil {
			return nil, fmt.Errorf("parse %s text template: %w", name, err)
		}
		h, err := htmltemplate.ParseFS(templateFS, "templates/"+name+".html.tmpl")
		if err != nil {
			return nil, fmt.Errorf("parse %s html template: %w", name, err)
		}
		r.text[phase], r.html[phase] = t.Option("missingkey=error"), h
	}
	return r, nil
}

// Link builds the magic link for a phase.
func (r *Renderer) Link(phase models.Phase, token string) (string, error) {
	path, ok := linkPaths[phase]
	if !ok {
		return "", fmt.Errorf("phase %s has no link", phase)
	}
	return r.baseURL + "/" + path + "?token=" + url.QueryEscape(token), nil
}

type view struct {
	dispatch.RecipientContext
	Link      string
	HikeDate  string
	TrailName string
}

func (r *Renderer) Render(phase models.Phase, rc dispatch.RecipientContext) (dispatch.Message, error) {
	link, err := r.Link(phase, rc.Token)
	if err != nil {
		return dispatch.Message{}, err
	}

	v := view{
		RecipientContext: rc,
		Link:             link,
		HikeDate:         rc.Hike.HikeAt.Format("Monday, January 2"),
		TrailName:        "the trail",
	}
	if rc.Trail != nil {
		v.TrailName = rc.Trail.Name
	}

	t := r.text[phase]
	msg := dispatch.Message{To: rc.Member.Email}
	if msg.Subject, err = execText(t, "subject", v); err != nil {
		return dispatch.Message{}, err
	}
	if msg.Text, err = execText(t, "text", v); err != nil {
		return dispatch.Message{}, err
	}

	var buf bytes.Buffer
	if err := r.html[phase].ExecuteTemplate(&buf, "html", v); err != nil {
		return dispatch.Message{}, fmt.Errorf("render %s html: %w", phase, err)
	}
	msg.HTML = buf.String()
	msg.Subject = strings.TrimSpace(msg.Subject)
	return msg, nil
}

func execText(t *texttemplate.Template, name string, v view) (string, error) {
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, name, v); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

var _ dispatch.Renderer = (*Renderer)(nil)
