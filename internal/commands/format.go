package commands

import (
	"fmt"
	"strings"
	"time"

	"mvpbot/internal/mvp"
)

// stamper renders instants for one surface. Discord gets <t:unix:style>
// markup that each reader sees in their own timezone; other surfaces get
// plain text in the configured location.
type stamper struct {
	surface Surface
	loc     *time.Location
	now     time.Time
}

func (s stamper) at(t time.Time, style byte) string {
	if s.surface == SurfaceDiscord {
		return fmt.Sprintf("<t:%d:%c>", t.Unix(), style)
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	lt := t.In(loc)
	switch style {
	case 't':
		return lt.Format("15:04")
	case 'D':
		return lt.Format("02/01/2006")
	case 'R':
		return relative(t.Sub(s.now))
	default:
		return lt.Format("02/01/2006 15:04")
	}
}

func relative(d time.Duration) string {
	m := int(d.Round(time.Minute) / time.Minute)
	switch {
	case m == 0:
		return "agora"
	case m > 0:
		return fmt.Sprintf("em %s", minutesText(m))
	default:
		return fmt.Sprintf("há %s", minutesText(-m))
	}
}

func minutesText(m int) string {
	if m >= 60 {
		return fmt.Sprintf("%dh%02d", m/60, m%60)
	}
	return fmt.Sprintf("%d min", m)
}

func success(format string, args ...any) Reply {
	return Reply{Text: "✅ " + fmt.Sprintf(format, args...)}
}

// AnnounceAlert is the text alert for a scheduled respawn. It avoids
// surface-specific markup so every alert channel can show it as is.
func AnnounceAlert(res mvp.AnnounceResult, clock string, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	at := res.RespawnAt.In(loc)
	var b strings.Builder
	fmt.Fprintf(&b, "🔔 **ALERTA DE MVP** 🔔\n\n📍 **%s** vai nascer às **%s**!", res.Boss.Name, clock)
	if res.Boss.Map != "" {
		fmt.Fprintf(&b, "\n🗺️ **Mapa:** %s", res.Boss.Map)
	}
	fmt.Fprintf(&b, "\n⭐ **Prioridade:** %d/10", res.Boss.Priority)
	fmt.Fprintf(&b, "\n⏲️ **Horário do respawn:** %s", at.Format("15:04"))
	fmt.Fprintf(&b, "\n📅 **Data:** %s", at.Format("02/01/2006"))
	fmt.Fprintf(&b, "\n⏰ **Faltam:** %d minutos", res.MinutesLeft)
	return b.String()
}

func stars(priority int) string {
	return strings.Repeat("⭐", max(0, min(priority, 5)))
}
