// oreon/defense · watchthelight <wtl>

package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// filterLineRe splits "<log path> | <event> | <pattern>". The log path
// cannot contain '#' or '|', so comment lines never match.
var filterLineRe = regexp.MustCompile(`^ *(?P<log_path>[^#|]*[^#| ]+) *\| *(?P<event>[^ |]+) *\| *(?P<pattern>.+?) *$`)

// LoadFilters parses every dir/*.conf file in lexical order.
func LoadFilters(dir string) ([]FilterConfig, error) {
	files, err := configFiles(dir, ".conf")
	if err != nil {
		return nil, err
	}

	var filters []FilterConfig
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		parsed, err := ParseFilters(f, path)
		f.Close()
		if err != nil {
			return nil, err
		}
		filters = append(filters, parsed...)
	}
	return filters, nil
}

// ParseFilters reads filter definition lines from r. Blank, comment and
// malformed lines are skipped.
func ParseFilters(r io.Reader, name string) ([]FilterConfig, error) {
	var filters []FilterConfig
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		m := filterLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		filters = append(filters, FilterConfig{
			LogPath: m[1],
			Event:   m[2],
			Pattern: m[3],
			Source:  fmt.Sprintf("%s:%d", name, lineNo),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return filters, nil
}
