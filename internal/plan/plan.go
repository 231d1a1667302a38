// Package plan holds the subscription vocabulary shared by routing, quotas and billing.
package plan

import (
	"fmt"
	"strings"
	"time"
)

// Tier is a subscription level. Tiers are totally ordered; compare them only
// through Rank, AtLeast and Below.
type Tier string

const (
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierBasic      Tier = "basic"
	TierPremium    Tier = "premium"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Tiers lists every tier from lowest to highest.
var Tiers = []Tier{TierFree, TierStarter, TierBasic, TierPremium, TierPro, TierEnterprise}

// Rank returns the position of t in the tier ordering, or -1 for an unknown tier.
func (t Tier) Rank() int {
	for i, known := range Tiers {
		if known == t {
			return i
		}
	}
	return -1
}

func (t Tier) Valid() bool {
	return t.Rank() >= 0
}

// AtLeast reports whether t grants everything min grants.
func (t Tier) AtLeast(min Tier) bool {
	return t.Rank() >= min.Rank()
}

func (t Tier) Below(min Tier) bool {
	return !t.AtLeast(min)
}

// Max returns the higher of two tiers.
func Max(a, b Tier) Tier {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseTier parses a tier name case-insensitively.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown subscription tier %q", s)
	}
	return t, nil
}

// ServiceType identifies the feature an AI request is made for.
type ServiceType string

const (
	ServiceChat           ServiceType = "chat"
	ServiceExamGeneration ServiceType = "exam_generation"
	ServiceHomeworkHelp   ServiceType = "homework_help"
	ServiceLessonPlan     ServiceType = "lesson_plan"
	ServiceGrading        ServiceType = "grading"
	ServiceImageAnalysis  ServiceType = "image_analysis"
)

// ParseServiceType normalizes s. Whether the service is enabled is decided by routing config.
func ParseServiceType(s string) (ServiceType, error) {
	st := ServiceType(strings.ToLower(strings.TrimSpace(s)))
	if st == "" {
		return "", fmt.Errorf("service type is required")
	}
	return st, nil
}

// Period is the length of a quota window.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodMonth Period = "month"
)

func (p Period) Valid() bool {
	return p == PeriodDay || p == PeriodMonth
}

// Cutoff returns the instant at or before which a counter reset is stale.
func (p Period) Cutoff(now time.Time) time.Time {
	if p == PeriodDay {
		return now.Add(-24 * time.Hour)
	}
	return monthBefore(now)
}

// monthBefore is now minus one calendar month, clamped to the last day of the
// previous month (Mar 31 -> Feb 28).
func monthBefore(now time.Time) time.Time {
	y, m, d := now.Date()
	if last := time.Date(y, m, 0, 0, 0, 0, 0, now.Location()).Day(); d > last {
		d = last
	}
	return time.Date(y, m-1, d, now.Hour(), now.Minute(), now.Second(), now.Nanosecond(), now.Location())
}

// Expired reports whether a counter last reset at lastReset must be reset at now.
func (p Period) Expired(lastReset, now time.Time) bool {
	return !lastReset.After(p.Cutoff(now))
}
