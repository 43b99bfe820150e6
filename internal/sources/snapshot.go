package sources

import (
	"bytes"
	"fmt"
	"regexp"
	"time"

	"github.com/spf13/viper"
)

// Required document keys. A document missing any of them is unusable.
const (
	KeyExcludeRegex  = "exclude_regex"
	KeySearchEngines = "search_engines"
	KeyRSSFeeds      = "rss_feeds"
	KeyUserAgents    = "user_agents"
	KeySearchQueries = "search_queries"
)

var requiredKeys = []string{KeyExcludeRegex, KeySearchEngines, KeyRSSFeeds, KeyUserAgents}

// document is the on-disk shape of the sources file.
type document struct {
	ExcludeRegex  []string `mapstructure:"exclude_regex"`
	SearchEngines []string `mapstructure:"search_engines"`
	SearchQueries []string `mapstructure:"search_queries"`
	RSSFeeds      []string `mapstructure:"rss_feeds"`
	UserAgents    []string `mapstructure:"user_agents"`
}

// Snapshot is an immutable view of one successfully parsed sources document.
// Callers must not modify the slices.
type Snapshot struct {
	Path    string
	ModTime time.Time

	ExcludeRaw      []string
	ExcludePatterns []*regexp.Regexp
	SearchEngines   []string
	RSSFeeds        []string
	UserAgents      []string
	// SearchQueries is carried for compatibility with older documents and is not used.
	SearchQueries []string
}

// Parse decodes a sources document. Unknown keys are ignored; the four
// required keys must be present (an empty list is fine).
func Parse(data []byte) (*Snapshot, error) {
	v := viper.New()
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	for _, key := range requiredKeys {
		if !v.IsSet(key) {
			return nil, fmt.Errorf("%w: %q", ErrMissingKey, key)
		}
	}

	var doc document
	if err := v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	patterns := make([]*regexp.Regexp, 0, len(doc.ExcludeRegex))
	for _, raw := range doc.ExcludeRegex {
		re, err := regexp.Compile("(?i)" + raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrBadPattern, raw, err)
		}
		patterns = append(patterns, re)
	}

	return &Snapshot{
		ExcludeRaw:      nonNil(doc.ExcludeRegex),
		ExcludePatterns: patterns,
		SearchEngines:   nonNil(doc.SearchEngines),
		RSSFeeds:        nonNil(doc.RSSFeeds),
		UserAgents:      nonNil(doc.UserAgents),
		SearchQueries:   nonNil(doc.SearchQueries),
	}, nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
