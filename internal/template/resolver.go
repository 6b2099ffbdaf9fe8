package template

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrMissingVariable = errors.New("template variable not supplied")

// HourBeforeGap is the virtual hour for the sliding "N hours before the
// appointment" slot on the appointment day. It is not a wall-clock hour.
const HourBeforeGap = -1

// Template is one cadence table entry. Level expresses tone: 0 educational,
// 1 friendly through 5 firm.
type Template struct {
	Level int
	Text  string
}

type slotKey struct {
	daysBefore int
	hour       int
	confirmed  bool
}

// Resolver is a pure lookup over the reminder cadence table. The table is
// fixed at construction; only the reinforcement hour is configurable because
// clinics disagree about when the single post-confirmation message goes out.
type Resolver struct {
	table map[slotKey]Template
}

func NewResolver(reinforcementHour int) *Resolver {
	r := &Resolver{table: make(map[slotKey]Template)}

	// Two days out: educational tone, confirmation makes no difference.
	for _, hour := range []int{10, 15, 19} {
		for _, confirmed := range []bool{false, true} {
			r.table[slotKey{2, hour, confirmed}] = Template{
				Level: 0,
				Text: "Hola {{patientName}}, le saludamos de {{clinicName}}. " +
					"Le recordamos que tiene una cita el {{appointmentDate}} a las {{appointmentTime}}. " +
					"Recuerde acudir con 10 minutos de anticipación.",
			}
		}
	}

	// One day out, not confirmed: every slot asks for confirmation, each
	// one firmer than the last. Levels 1-5 spread across the seven hours.
	dayBeforeHours := []int{7, 8, 10, 12, 14, 16, 18}
	dayBeforeLevels := []int{1, 1, 2, 3, 4, 5, 5}
	for i, hour := range dayBeforeHours {
		r.table[slotKey{1, hour, false}] = Template{
			Level: dayBeforeLevels[i],
			Text:  dayBeforeText(dayBeforeLevels[i]),
		}
	}

	// One day out, confirmed: the single reinforcement message.
	r.table[slotKey{1, reinforcementHour, true}] = Template{
		Level: 1,
		Text: "¡Gracias por confirmar, {{patientName}}! Le esperamos mañana " +
			"{{appointmentDate}} a las {{appointmentTime}} en {{clinicName}}. ¡Hasta pronto!",
	}

	// Appointment day, not confirmed: early firm reminder plus the sliding
	// "hours before" slot.
	r.table[slotKey{0, 7, false}] = Template{
		Level: 5,
		Text: "{{patientName}}, su cita en {{clinicName}} es HOY {{appointmentDate}} a las " +
			"{{appointmentTime}} y aún no la ha confirmado. Por favor responda SÍ para confirmar " +
			"o indíquenos si necesita otro horario.",
	}
	r.table[slotKey{0, HourBeforeGap, false}] = Template{
		Level: 5,
		Text: "{{patientName}}, su cita en {{clinicName}} es en 2 horas ({{appointmentTime}}). " +
			"Si no puede asistir, avísenos ahora mismo para reasignar el espacio.",
	}

	return r
}

func dayBeforeText(level int) string {
	switch level {
	case 1:
		return "¡Buenos días {{patientName}}! Mañana {{appointmentDate}} a las {{appointmentTime}} " +
			"tiene cita en {{clinicName}}. ¿Nos confirma su asistencia?"
	case 2:
		return "Hola {{patientName}}, seguimos pendientes de su confirmación para la cita de mañana " +
			"a las {{appointmentTime}} en {{clinicName}}. Responda SÍ para confirmar."
	case 3:
		return "{{patientName}}, aún no recibimos su confirmación para mañana {{appointmentDate}} " +
			"a las {{appointmentTime}}. Su espacio está reservado; confírmenos por favor."
	case 4:
		return "{{patientName}}, necesitamos su confirmación hoy para mantener su cita de mañana " +
			"a las {{appointmentTime}} en {{clinicName}}. De lo contrario el espacio podría reasignarse."
	default:
		return "{{patientName}}, último aviso: su cita de mañana a las {{appointmentTime}} en " +
			"{{clinicName}} sigue sin confirmar. Responda SÍ o el espacio será ofrecido a otro paciente."
	}
}

// Resolve returns the template for a cadence slot, or ok=false when the
// combination simply is not in the table. A miss is "no send", never an error.
func (r *Resolver) Resolve(daysBefore, hour int, confirmed bool) (Template, bool) {
	tpl, ok := r.table[slotKey{daysBefore, hour, confirmed}]
	return tpl, ok
}

var placeholderRe = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Render substitutes named placeholders. Any placeholder present in the text
// but absent from vars fails the render with ErrMissingVariable; that fails
// the single send, not the batch.
func (t Template) Render(vars map[string]string) (string, error) {
	var missing []string

	out := placeholderRe.ReplaceAllStringFunc(t.Text, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := vars[name]
		if !ok || v == "" {
			missing = append(missing, name)
			return m
		}
		return v
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrMissingVariable, strings.Join(missing, ", "))
	}
	return out, nil
}
