package models

import (
	"fmt"
	"strings"
)

// Category is the kind of misbehavior a report describes.
type Category string

var (
	CategorySpam          = Category("spam")
	CategoryImpersonation = Category("impersonation")
	CategoryBigotry       = Category("bigotry")
	CategoryHoneypot      = Category("honeypot")
)

// AllCategories lists every category in default severity order, most severe first.
var AllCategories = []Category{
	CategoryBigotry,
	CategoryImpersonation,
	CategorySpam,
	CategoryHoneypot,
}

func (c Category) Valid() bool {
	switch c {
	case CategorySpam, CategoryImpersonation, CategoryBigotry, CategoryHoneypot:
		return true
	}
	return false
}

func ParseCategory(raw string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(raw)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown report category: %q", raw)
	}
	return c, nil
}

// Action is the strength of a moderation decision. Values are ordered: a larger value is a stronger action.
type Action int

const (
	ActionNone Action = iota
	ActionWarn
	ActionTimeout
	ActionBan
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionWarn:
		return "warn"
	case ActionTimeout:
		return "timeout"
	case ActionBan:
		return "ban"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

func (a Action) Valid() bool {
	return a >= ActionNone && a <= ActionBan
}

func ParseAction(raw string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "none", "no_action":
		return ActionNone, nil
	case "warn":
		return ActionWarn, nil
	case "timeout":
		return ActionTimeout, nil
	case "ban":
		return ActionBan, nil
	}
	return ActionNone, fmt.Errorf("unknown action: %q", raw)
}

func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Action) UnmarshalText(b []byte) error {
	v, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Role is the privilege class of a tracked user.
type Role string

var (
	RoleReporter = Role("reporter")
	RoleListener = Role("listener")
)

func (r Role) Valid() bool {
	return r == RoleReporter || r == RoleListener
}

func ParseRole(raw string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown user role: %q", raw)
	}
	return r, nil
}
