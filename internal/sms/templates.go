package sms

import (
	"fmt"
	"strings"
	"time"
)

// TemplateParams feed the message builders. Optional fields select the
// message variant; builders never emit empty placeholders or double spaces.
type TemplateParams struct {
	FirstName          string
	Deadline           time.Time
	Lat                *float64
	Lng                *float64
	UserPhone          string
	SharePhoneInAlerts bool
	Now                time.Time
}

func (p TemplateParams) personRef() string {
	if name := strings.TrimSpace(p.FirstName); name != "" {
		return name
	}
	return "la personne"
}

func (p TemplateParams) sharedPhone() string {
	if !p.SharePhoneInAlerts {
		return ""
	}
	phone := strings.TrimSpace(p.UserPhone)
	if !ValidPhone(phone) {
		return ""
	}
	return phone
}

func (p TemplateParams) mapLink() string {
	if p.Lat == nil || p.Lng == nil {
		return ""
	}
	return fmt.Sprintf("https://maps.google.com/?q=%v,%v", *p.Lat, *p.Lng)
}

// elapsed formats how long the deadline has been missed, e.g. "2h30".
func (p TemplateParams) elapsed() string {
	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}
	if p.Deadline.IsZero() || !now.After(p.Deadline) {
		return "quelques heures"
	}
	mins := int(now.Sub(p.Deadline).Minutes())
	hours := mins / 60
	mins = mins % 60
	switch {
	case hours == 0:
		return fmt.Sprintf("%dmin", mins)
	case mins == 0:
		return fmt.Sprintf("%dh", hours)
	default:
		return fmt.Sprintf("%dh%02d", hours, mins)
	}
}

// BuildLateAlert is the overdue-session message sent by the sweep.
func BuildLateAlert(p TemplateParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SafeWalk : pas de confirmation depuis %s. Essayez de contacter %s", p.elapsed(), p.personRef())

	if phone := p.sharedPhone(); phone != "" {
		fmt.Fprintf(&b, " immédiatement au %s.", phone)
	} else {
		b.WriteString(" immédiatement.")
	}

	if link := p.mapLink(); link != "" {
		fmt.Fprintf(&b, " Dernière position : %s", link)
	}

	return b.String()
}

// BuildSosAlert is the immediate highest-priority message for a triggered SOS.
func BuildSosAlert(p TemplateParams) string {
	var b strings.Builder
	if name := strings.TrimSpace(p.FirstName); name != "" {
		fmt.Fprintf(&b, "SafeWalk SOS : %s a déclenché une alerte urgente. Appelez-le/la maintenant", name)
	} else {
		b.WriteString("SafeWalk SOS : une alerte urgente a été déclenchée. Appelez la personne maintenant")
	}

	if phone := p.sharedPhone(); phone != "" {
		fmt.Fprintf(&b, " au %s.", phone)
	} else {
		b.WriteString(".")
	}

	if link := p.mapLink(); link != "" {
		fmt.Fprintf(&b, " Dernière position : %s", link)
	}

	return b.String()
}

// BuildTest confirms to a contact that their number is correctly configured.
func BuildTest(p TemplateParams) string {
	return fmt.Sprintf(
		"SafeWalk test : tout est bien configuré. Vous recevrez un SMS comme celui-ci si %s ne confirme pas son arrivée.",
		p.personRef(),
	)
}
