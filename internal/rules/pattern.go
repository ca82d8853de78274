package rules

import (
	"regexp"
	"strings"
	"sync"
)

// matchCache memoizes compiled regexes per pattern string so repeated
// handle() calls over the same rule set don't recompile on every focus
// event. Rules are static for the lifetime of a Config, so this never
// grows unbounded in practice.
var matchCache sync.Map // pattern string -> *regexp.Regexp (nil if not a valid regex)

// matches reports whether pattern matches value, using the precedence:
//
//  1. an absent pattern (empty string) matches anything.
//  2. the literal "*" matches anything.
//  3. a pattern that compiles as a regex is matched as a regex against
//     the whole value.
//  4. otherwise, a substring test.
func matches(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}

	re, ok := compiledPattern(pattern)
	if ok {
		return re.MatchString(value)
	}
	return strings.Contains(value, pattern)
}

func compiledPattern(pattern string) (*regexp.Regexp, bool) {
	if cached, ok := matchCache.Load(pattern); ok {
		re, _ := cached.(*regexp.Regexp)
		return re, re != nil
	}

	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		matchCache.Store(pattern, (*regexp.Regexp)(nil))
		return nil, false
	}
	matchCache.Store(pattern, re)
	return re, true
}

// matchesWindow reports whether a matcher rule matches window: both
// ClassPattern and TitlePattern must match (an absent pattern matches
// anything).
func matchesWindow(r Rule, w WindowInfo) bool {
	return matches(r.ClassPattern, w.Class) && matches(r.TitlePattern, w.Title)
}
