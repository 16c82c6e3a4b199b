package dispatch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Template names. They match the pre-approved Business-API template names,
// and the same texts are rendered locally for the session transport.
const (
	TemplateConfirm  = "agendamento_informar_v2"
	TemplateUpdate   = "agendamento_atualizar_v1"
	TemplateCancel   = "agendamento_deletar_v2"
	TemplateReminder = "agendamento_lembrar_v2"
)

var templates = map[string]string{
	TemplateConfirm: `📢 *Confirmação de Agendamento - *

Olá, {{1}}! Tudo certo? 😊

Sua reserva foi confirmada! Aqui estão os detalhes do seu atendimento:

👤 Profissional: {{2}}
💼 Serviço:  *{{3}}*
⏰ Data e Horário: *{{4}}*
⏳ Duração: {{5}}
📍 Endereço: {{6}}
📞 Contato: {{7}}

Se precisar reagendar ou tiver dúvidas, fale conosco! 💆‍♂️✨

Nos vemos em breve!`,

	TemplateUpdate: `🔔 *Atualização no Seu Agendamento - *

Olá, {{1}}! Tudo certo? 😊

Seu agendamento foi atualizado! Aqui estão os novos detalhes:

👤 Profissional: {{2}}
💼 Serviço:  *{{3}}*
⏰ Data e Horário: *{{4}}*
⏳ Duração: {{5}}
📍 Endereço: {{6}}
📞 Contato: {{7}}

Se precisar reagendar ou tiver dúvidas, fale conosco! 💆‍♂️✨

Nos vemos em breve!`,

	TemplateCancel: `❌ *Cancelamento de Agendamento - *

Olá, {{1}}!

Informamos que seu agendamento foi cancelado.

💼 Serviço: *{{2}}*
⏰ Data: *{{3}}*

Se desejar reagendar, entre em contato:

📞 *Contato:* {{4}}

Aguardamos seu retorno! 🙂`,

	TemplateReminder: `📌 *Lembrete de Agendamento - *

Olá, {{1}}! Tudo certo? 😊

Lembramos que seu atendimento será em aproximadamente *{{2}}*.

👤 Profissional: {{3}}
💼 Serviço:  *{{4}}*
⏰ Data e Horário: *{{5}}*
⏳ Duração: {{6}}
📍 Endereço: {{7}}
📞 Contato: {{8}}

Para reagendar ou esclarecer dúvidas, entre em contato pelo número acima.

Nos vemos em breve!`,
}

// Payload carries the appointment fields templates draw from.
type Payload struct {
	RecipientPhone string
	CustomerName   string
	StaffName      string
	ServiceName    string
	ScheduledAt    time.Time
	DurationSecs   int
	Address        string
	ContactPhone   string
	TenantName     string
	// ReminderWindowText is the human phrasing of the window, e.g.
	// "24 horas". Only the reminder template uses it.
	ReminderWindowText string
}

var paramPattern = regexp.MustCompile(`\{\{(\d+)\}\}`)

// Substitute replaces positional {{n}} markers with params[n-1]. Missing
// positions render empty, matching the Business-API behavior.
func Substitute(template string, params []string) string {
	return paramPattern.ReplaceAllStringFunc(template, func(m string) string {
		idx, err := strconv.Atoi(m[2 : len(m)-2])
		if err != nil || idx < 1 || idx > len(params) {
			return ""
		}
		return params[idx-1]
	})
}

var ptMonths = [...]string{
	"janeiro", "fevereiro", "março", "abril", "maio", "junho",
	"julho", "agosto", "setembro", "outubro", "novembro", "dezembro",
}

var saoPaulo = func() *time.Location {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		return time.FixedZone("-03", -3*60*60)
	}
	return loc
}()

// FormatDateTime renders "02 de janeiro de 2006 às 15:04" in São Paulo
// time, the product's display timezone.
func FormatDateTime(t time.Time) string {
	local := t.In(saoPaulo)
	return fmt.Sprintf("%02d de %s de %d às %02d:%02d",
		local.Day(), ptMonths[local.Month()-1], local.Year(), local.Hour(), local.Minute())
}

// FormatDuration renders seconds as "1h 30min" style text.
func FormatDuration(seconds int) string {
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	var parts []string
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dmin", minutes))
	}
	if len(parts) == 0 {
		return "0min"
	}
	return strings.Join(parts, " ")
}

func firstName(full string) string {
	fields := strings.Fields(full)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// BuildParams lays out the positional parameters for a template. The cancel
// template is shorter; the reminder template leads with the window text.
func BuildParams(templateID string, p Payload) ([]string, error) {
	if _, ok := templates[templateID]; !ok {
		return nil, fmt.Errorf("dispatch: unknown template %q: %w", templateID, ErrConfig)
	}

	date := FormatDateTime(p.ScheduledAt)
	switch templateID {
	case TemplateCancel:
		return []string{firstName(p.CustomerName), p.ServiceName, date, p.ContactPhone}, nil
	case TemplateReminder:
		window := p.ReminderWindowText
		if window == "" {
			window = "1 hora"
		}
		return []string{
			firstName(p.CustomerName), window, p.StaffName, p.ServiceName,
			date, FormatDuration(p.DurationSecs), p.Address, p.ContactPhone,
		}, nil
	default:
		return []string{
			firstName(p.CustomerName), p.StaffName, p.ServiceName,
			date, FormatDuration(p.DurationSecs), p.Address, p.ContactPhone,
		}, nil
	}
}

// Render produces the message body for the session transport.
func Render(templateID string, params []string) (string, error) {
	tmpl, ok := templates[templateID]
	if !ok {
		return "", fmt.Errorf("dispatch: unknown template %q: %w", templateID, ErrConfig)
	}
	return Substitute(tmpl, params), nil
}
