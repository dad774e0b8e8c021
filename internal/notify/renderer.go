package notify

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"strings"
	"text/template"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cropalert/backend/internal/model"
	"github.com/cropalert/backend/pkg/currency"
	"github.com/cropalert/backend/pkg/datetime"
)

//go:embed templates/*
var templatesFS embed.FS

// DefaultSMSMaxLength is a single GSM-7 segment. Bodies that need UCS-2
// are held to the same share of a 70-unit segment.
const DefaultSMSMaxLength = 160

const testPrefix = "[TEST] "

var errEmptySMS = errors.New("rendered SMS body is empty")

// Payload carries the values substituted into alert templates.
type Payload struct {
	Kind       model.AlertKind
	Crop       string
	Location   string
	Market     string
	Price      decimal.Decimal
	Currency   string
	Unit       string
	ObservedAt time.Time
	Target     *decimal.Decimal
	Previous   *decimal.Decimal
	Change     *decimal.Decimal
	Zone       *time.Location
	Test       bool
}

// NewPayload builds a payload from a subscription and the price it fired on.
// change and previous are only meaningful for percent-change alerts.
func NewPayload(sub *model.Subscription, point *model.PricePoint, previous, change *decimal.Decimal) Payload {
	p := Payload{
		Kind:       sub.Kind,
		Crop:       sub.Crop,
		Location:   sub.Location,
		Market:     point.Market,
		Price:      point.Price,
		Currency:   point.Currency,
		Unit:       point.Unit,
		ObservedAt: point.ObservedAt,
		Previous:   previous,
		Change:     change,
		Zone:       sub.Loc(),
	}
	if sub.MatchesAnyLocation() && point.Location != "" {
		p.Location = point.Location
	}
	if sub.TargetPrice.Valid {
		target := sub.TargetPrice.Decimal
		p.Target = &target
	}
	if p.Unit == "" {
		p.Unit = "kg"
	}
	return p
}

type view struct {
	Payload
	Headline string
}

// Renderer turns a Payload into channel messages using embedded templates.
type Renderer struct {
	headline     *template.Template
	sms          *template.Template
	text         *template.Template
	html         *htmltemplate.Template
	smsMaxLength int
}

// NewRenderer parses the embedded templates and checks that every alert
// kind has an SMS and headline variant.
func NewRenderer(smsMaxLength int) (*Renderer, error) {
	if smsMaxLength <= 0 {
		smsMaxLength = DefaultSMSMaxLength
	}

	funcs := map[string]any{
		"price":     formatPrice,
		"percent":   formatPercent,
		"localtime": formatLocalTime,
		"day":       datetime.FormatDay,
	}

	r := &Renderer{smsMaxLength: smsMaxLength}

	var err error
	if r.headline, err = template.New("headline.tmpl").Funcs(funcs).ParseFS(templatesFS, "templates/headline.tmpl"); err != nil {
		return nil, fmt.Errorf("parse headline templates: %w", err)
	}
	if r.sms, err = template.New("sms.tmpl").Funcs(funcs).ParseFS(templatesFS, "templates/sms.tmpl"); err != nil {
		return nil, fmt.Errorf("parse sms templates: %w", err)
	}
	if r.text, err = template.New("email_text.tmpl").Funcs(funcs).ParseFS(templatesFS, "templates/email_text.tmpl"); err != nil {
		return nil, fmt.Errorf("parse email text template: %w", err)
	}
	if r.html, err = htmltemplate.New("email_body.html").Funcs(funcs).ParseFS(templatesFS, "templates/email_body.html"); err != nil {
		return nil, fmt.Errorf("parse email html template: %w", err)
	}

	for _, kind := range model.AlertKinds() {
		if r.headline.Lookup(string(kind)) == nil {
			return nil, fmt.Errorf("missing headline template for %s", kind)
		}
		if r.sms.Lookup(string(kind)) == nil {
			return nil, fmt.Errorf("missing sms template for %s", kind)
		}
	}

	return r, nil
}

// Render produces the SMS, subject, text and HTML bodies for p.
func (r *Renderer) Render(p Payload) (Message, error) {
	var buf bytes.Buffer

	if err := r.headline.ExecuteTemplate(&buf, string(p.Kind), p); err != nil {
		return Message{}, fmt.Errorf("render headline: %w", err)
	}
	headline := strings.TrimSpace(buf.String())

	buf.Reset()
	if err := r.sms.ExecuteTemplate(&buf, string(p.Kind), p); err != nil {
		return Message{}, fmt.Errorf("render sms: %w", err)
	}
	sms := fitSMS(strings.TrimSpace(buf.String()), r.smsMaxLength)
	if sms == "" {
		return Message{}, errEmptySMS
	}

	v := view{Payload: p, Headline: headline}

	buf.Reset()
	if err := r.text.Execute(&buf, v); err != nil {
		return Message{}, fmt.Errorf("render email text: %w", err)
	}
	text := buf.String()

	buf.Reset()
	if err := r.html.Execute(&buf, v); err != nil {
		return Message{}, fmt.Errorf("render email html: %w", err)
	}

	subject := "Price alert: " + headline
	if p.Test {
		subject = testPrefix + subject
	}

	return Message{
		SMS:     sms,
		Subject: subject,
		Text:    text,
		HTML:    buf.String(),
	}, nil
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch d := v.(type) {
	case decimal.Decimal:
		return d, true
	case *decimal.Decimal:
		if d == nil {
			return decimal.Zero, false
		}
		return *d, true
	case decimal.NullDecimal:
		return d.Decimal, d.Valid
	}
	return decimal.Zero, false
}

func formatPrice(v any, code string) string {
	d, ok := toDecimal(v)
	if !ok {
		return "n/a"
	}
	return currency.FormatPrice(d, code)
}

func formatPercent(v any) string {
	d, ok := toDecimal(v)
	if !ok {
		return "n/a"
	}
	return currency.FormatPercent(d)
}

func formatLocalTime(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(datetime.DisplayDateTimeFormat)
}
