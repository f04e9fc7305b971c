package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// AutoApplyConfig is a user's auto-apply search and eligibility specification.
// Configs are edited outside this service and are read-only to the cycle.
type AutoApplyConfig struct {
	ID              string           `json:"id" toml:"id" yaml:"id" validate:"required"`
	UserID          string           `json:"user_id" toml:"user_id" yaml:"user_id" validate:"required"`
	Name            string           `json:"name" toml:"name" yaml:"name"`
	Criteria        SearchCriteria   `json:"criteria" toml:"criteria" yaml:"criteria"`
	MaxApplications int              `json:"max_applications" toml:"max_applications" yaml:"max_applications" validate:"min=1"`
	Enabled         bool             `json:"enabled" toml:"enabled" yaml:"enabled"`
	Platforms       []string         `json:"platforms" toml:"platforms" yaml:"platforms" validate:"min=1,dive,required"`
	Applicant       ApplicantProfile `json:"applicant" toml:"applicant" yaml:"applicant"`
	CreatedAt       time.Time        `json:"created_at" toml:"-" yaml:"-"`
	UpdatedAt       time.Time        `json:"updated_at" toml:"-" yaml:"-"`
}

// SearchCriteria is passed through to the job search collaborator
type SearchCriteria struct {
	Keywords         []string `json:"keywords" toml:"keywords" yaml:"keywords" validate:"min=1,dive,required"`
	Location         string   `json:"location,omitempty" toml:"location" yaml:"location"`
	Remote           bool     `json:"remote,omitempty" toml:"remote" yaml:"remote"`
	ExperienceLevel  string   `json:"experience_level,omitempty" toml:"experience_level" yaml:"experience_level"`
	ExcludeCompanies []string `json:"exclude_companies,omitempty" toml:"exclude_companies" yaml:"exclude_companies"`
	PostedWithinDays int      `json:"posted_within_days,omitempty" toml:"posted_within_days" yaml:"posted_within_days" validate:"min=0"`
}

// ApplicantProfile holds the values typed into application forms
type ApplicantProfile struct {
	FullName   string            `json:"full_name" toml:"full_name" yaml:"full_name"`
	Email      string            `json:"email" toml:"email" yaml:"email" validate:"omitempty,email"`
	Phone      string            `json:"phone" toml:"phone" yaml:"phone"`
	ResumePath string            `json:"resume_path" toml:"resume_path" yaml:"resume_path"`
	Answers    map[string]string `json:"answers,omitempty" toml:"answers" yaml:"answers"` // Extra form answers by field name
}

var configValidator = validator.New()

// Validate checks the config is usable for a cycle
func (c *AutoApplyConfig) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid auto-apply config %s: %w", c.ID, err)
	}
	return nil
}

// Excludes reports whether the company is on the config's exclusion list
func (c *SearchCriteria) Excludes(company string) bool {
	for _, excluded := range c.ExcludeCompanies {
		if strings.EqualFold(strings.TrimSpace(excluded), strings.TrimSpace(company)) {
			return true
		}
	}
	return false
}

// Value resolves an applicant field name used in platform field maps
func (p *ApplicantProfile) Value(field string) (string, bool) {
	switch field {
	case "full_name", "name":
		return p.FullName, p.FullName != ""
	case "first_name":
		first, _, _ := strings.Cut(p.FullName, " ")
		return first, first != ""
	case "last_name":
		_, last, _ := strings.Cut(p.FullName, " ")
		return last, last != ""
	case "email":
		return p.Email, p.Email != ""
	case "phone":
		return p.Phone, p.Phone != ""
	}
	value, ok := p.Answers[field]
	return value, ok && value != ""
}
