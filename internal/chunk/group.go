package chunk

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Inherit makes a group use the planner-wide minimum size.
const Inherit int64 = -1

const (
	DefaultMinSize     int64 = 819200
	DefaultMaxSize     int64 = 1843200
	DefaultMaxRequests       = 30
	DefaultDelimiter         = "~"
	DefaultRuntimeName       = "runtime"
	DefaultVendorDir         = "node_modules"
)

// FrameworkPackages is the allow-list of framework packages extracted into
// their own chunk ahead of other vendor code.
const FrameworkPackages = `core-js|react.*|redux.*|props-type|immer|history|@reduxjs/toolkit`

// Group defines a named extraction chunk.
type Group struct {
	Name string

	// Test selects candidate modules by path. Nil matches every module.
	Test *regexp.Regexp

	Priority int

	// MinShared is the number of distinct requesters that must reach a
	// module before the group may claim it. Values below 1 mean 1.
	MinShared int

	// MinSize is the group's minimum chunk size, or Inherit.
	MinSize int64

	// NameTemplate defaults to "{group}". "{requesters}" expands to a short
	// digest of the requester set, producing one chunk per distinct set.
	NameTemplate string
}

func (gr Group) claims(path string, requesters int) bool {
	if requesters < max(gr.MinShared, 1) {
		return false
	}
	return gr.Test == nil || gr.Test.MatchString(path)
}

// Config holds the group definitions and planner-wide thresholds.
//
// Zero MaxSize disables splitting; zero request caps disable capping.
type Config struct {
	Groups []Group

	MinSize            int64
	MaxSize            int64
	MaxInitialRequests int
	MaxAsyncRequests   int

	Delimiter   string
	RuntimeName string
	VendorDir   string
}

// VendorPattern matches module paths under a dependency directory segment.
func VendorPattern(vendorDir string) *regexp.Regexp {
	dir := strings.Trim(vendorDir, "/")
	if dir == "" {
		dir = DefaultVendorDir
	}
	return regexp.MustCompile(`(^|/)` + regexp.QuoteMeta(dir) + `/`)
}

// DefaultGroups returns the vendors, common and framework groups.
func DefaultGroups(vendorDir string) []Group {
	dir := strings.Trim(vendorDir, "/")
	if dir == "" {
		dir = DefaultVendorDir
	}
	return []Group{
		{Name: "vendors", Test: VendorPattern(dir), Priority: -10, MinSize: Inherit},
		{Name: "common", MinShared: 2, Priority: -20, MinSize: Inherit},
		{
			Name:     "react",
			Test:     regexp.MustCompile(`(^|/)` + regexp.QuoteMeta(dir) + `/(` + FrameworkPackages + `)/`),
			Priority: 0,
			MinSize:  0,
		},
	}
}

// DefaultConfig returns the production thresholds with DefaultGroups.
func DefaultConfig() Config {
	return Config{
		Groups:             DefaultGroups(DefaultVendorDir),
		MinSize:            DefaultMinSize,
		MaxSize:            DefaultMaxSize,
		MaxInitialRequests: DefaultMaxRequests,
		MaxAsyncRequests:   DefaultMaxRequests,
		Delimiter:          DefaultDelimiter,
		RuntimeName:        DefaultRuntimeName,
		VendorDir:          DefaultVendorDir,
	}
}

var ErrInvalidConfig = errors.New("invalid chunk configuration")

// Validate rejects configurations the planner cannot honor.
func (c Config) Validate() error {
	if c.MinSize < 0 || c.MaxSize < 0 {
		return fmt.Errorf("%w: sizes must not be negative", ErrInvalidConfig)
	}
	if c.MaxSize > 0 && c.MinSize > c.MaxSize {
		return fmt.Errorf("%w: min size %d exceeds max size %d", ErrInvalidConfig, c.MinSize, c.MaxSize)
	}
	if c.MaxInitialRequests < 0 || c.MaxAsyncRequests < 0 {
		return fmt.Errorf("%w: request caps must not be negative", ErrInvalidConfig)
	}
	seen := map[string]bool{}
	for i, gr := range c.Groups {
		if gr.Name == "" {
			return fmt.Errorf("%w: groups[%d].name is required", ErrInvalidConfig, i)
		}
		if seen[gr.Name] {
			return fmt.Errorf("%w: duplicate group %q", ErrInvalidConfig, gr.Name)
		}
		seen[gr.Name] = true
		if gr.MinSize < 0 && gr.MinSize != Inherit {
			return fmt.Errorf("%w: group %q has negative min size", ErrInvalidConfig, gr.Name)
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Delimiter == "" {
		c.Delimiter = DefaultDelimiter
	}
	if c.RuntimeName == "" {
		c.RuntimeName = DefaultRuntimeName
	}
	if c.VendorDir == "" {
		c.VendorDir = DefaultVendorDir
	}
	return c
}

func (c Config) groupMinSize(i int) int64 {
	if i < 0 || c.Groups[i].MinSize == Inherit {
		return c.MinSize
	}
	return c.Groups[i].MinSize
}
