package stack

import (
	"fmt"
	"regexp"
)

// Filter is an allow/deny pair of patterns applied to qualified method names.
// An empty allow pattern matches everything, an empty deny pattern matches nothing.
type Filter struct {
	allow *regexp.Regexp
	deny  *regexp.Regexp
}

func NewFilter(allow, deny string) (*Filter, error) {
	a, err := compile(allow)
	if err != nil {
		return nil, fmt.Errorf("invalid allow pattern: %w", err)
	}
	d, err := compile(deny)
	if err != nil {
		return nil, fmt.Errorf("invalid deny pattern: %w", err)
	}
	return &Filter{allow: a, deny: d}, nil
}

func compile(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	return regexp.Compile(pattern)
}

// WithAllow returns a copy of f with the allow pattern replaced.
func (f *Filter) WithAllow(pattern string) (*Filter, error) {
	return NewFilter(pattern, f.Deny())
}

// WithDeny returns a copy of f with the deny pattern replaced.
func (f *Filter) WithDeny(pattern string) (*Filter, error) {
	return NewFilter(f.Allow(), pattern)
}

func (f *Filter) Allow() string {
	if f.allow == nil {
		return ""
	}
	return f.allow.String()
}

func (f *Filter) Deny() string {
	if f.deny == nil {
		return ""
	}
	return f.deny.String()
}

// Match reports whether a qualified name passes the filter. Patterns match
// anywhere in the name.
func (f *Filter) Match(qualified string) bool {
	if f.allow != nil && !f.allow.MatchString(qualified) {
		return false
	}
	if f.deny != nil && f.deny.MatchString(qualified) {
		return false
	}
	return true
}
