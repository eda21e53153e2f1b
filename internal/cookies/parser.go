package cookies

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// NetscapeCookie represents a single cookie from Netscape format
type NetscapeCookie struct {
	Domain     string
	Flag       string // include subdomains
	Path       string
	Secure     bool
	Expiration int64 // Unix timestamp, 0 for session cookies
	Name       string
	Value      string
}

// Expired reports whether the cookie is past its expiration. Session cookies never expire.
func (c NetscapeCookie) Expired(now time.Time) bool {
	return c.Expiration > 0 && c.Expiration < now.Unix()
}

// ParseFile parses a Netscape format cookie file
func ParseFile(path string) ([]NetscapeCookie, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cookie file: %w", err)
	}
	defer file.Close()

	return Parse(file)
}

// Parse reads Netscape cookie lines: domain, flag, path, secure, expiration, name, value
func Parse(r io.Reader) ([]NetscapeCookie, error) {
	var cookies []NetscapeCookie
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimRight(scanner.Text(), "\r")

		// curl marks HttpOnly cookies with this prefix instead of a comment
		line = strings.TrimPrefix(line, "#HttpOnly_")
		if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) < 7 {
			fields = strings.Fields(line)
			if len(fields) < 7 {
				return nil, fmt.Errorf("line %d: invalid format (expected 7 fields, got %d)", lineNum, len(fields))
			}
		}

		expiration, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid expiration timestamp: %w", lineNum, err)
		}

		cookies = append(cookies, NetscapeCookie{
			Domain:     fields[0],
			Flag:       fields[1],
			Path:       fields[2],
			Secure:     strings.EqualFold(fields[3], "TRUE"),
			Expiration: expiration,
			Name:       fields[5],
			Value:      strings.Trim(fields[6], `"`),
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read cookie file: %w", err)
	}
	if len(cookies) == 0 {
		return nil, fmt.Errorf("no valid cookies found in file")
	}

	return cookies, nil
}

// WriteFile saves cookies in Netscape format, readable only by the owner
func WriteFile(path string, cookies []NetscapeCookie) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create cookie file: %w", err)
	}

	w := bufio.NewWriter(file)
	fmt.Fprintln(w, "# Netscape HTTP Cookie File")
	for _, c := range cookies {
		secure := "FALSE"
		if c.Secure {
			secure = "TRUE"
		}
		flag := c.Flag
		if flag == "" {
			flag = "TRUE"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n", c.Domain, flag, c.Path, secure, c.Expiration, c.Name, c.Value)
	}

	if err := w.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("write cookie file: %w", err)
	}
	return file.Close()
}

// EarliestExpiration returns when the first persistent cookie expires, or nil
// if every cookie is a session cookie
func EarliestExpiration(cookies []NetscapeCookie) *time.Time {
	var earliest int64
	for _, c := range cookies {
		if c.Expiration > 0 && (earliest == 0 || c.Expiration < earliest) {
			earliest = c.Expiration
		}
	}
	if earliest == 0 {
		return nil
	}
	t := time.Unix(earliest, 0)
	return &t
}

// HostKey returns the registrable domain (eTLD+1) that profiles are keyed by
func HostKey(host string) (string, error) {
	host = strings.ToLower(strings.Trim(strings.TrimSpace(host), "."))
	if host == "" {
		return "", fmt.Errorf("empty host")
	}
	key, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", fmt.Errorf("host %q: %w", host, err)
	}
	return key, nil
}

// DetectHost returns the registrable domain most cookies belong to
func DetectHost(cookies []NetscapeCookie) string {
	counts := make(map[string]int)
	for _, c := range cookies {
		if key, err := HostKey(c.Domain); err == nil {
			counts[key]++
		}
	}

	best, bestCount := "", 0
	for _, key := range sortedKeys(counts) {
		if counts[key] > bestCount {
			best, bestCount = key, counts[key]
		}
	}
	return best
}

// Domains returns the unique cookie domains, sorted
func Domains(cookies []NetscapeCookie) []string {
	set := make(map[string]int)
	for _, c := range cookies {
		set[strings.TrimPrefix(c.Domain, ".")]++
	}
	return sortedKeys(set)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
