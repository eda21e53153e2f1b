package monitor

import (
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/elsanchez/autofetch/internal/domain"
)

const (
	defaultExt  = ".mp4"
	maxNameSize = 200
)

var (
	hostile    = strings.NewReplacer("/", "_", `\`, "_", ":", "_", "*", "_", "?", "_", `"`, "_", "<", "_", ">", "_", "|", "_")
	spaces     = regexp.MustCompile(`\s+`)
	extPattern = regexp.MustCompile(`^\.[a-z0-9]{2,5}$`)
)

// SeriesDir es la carpeta de la serie bajo la raíz de descargas
func SeriesDir(root, title string) string {
	return filepath.Join(root, cleanName(title))
}

// EpisodeFilename arma "<serie> - <número>[ - <título del episodio>]<ext>".
// Sin número usa el id del episodio y sin extensión usa .mp4.
func EpisodeFilename(fav domain.Favorite, ep domain.Episode, rawURL string) string {
	number := ep.Number
	if number == "" {
		number = ep.ID
	}

	base := cleanName(fav.Title) + " - " + cleanName(number)
	if t := cleanName(ep.Title); t != "" && t != "untitled" {
		base += " - " + t
	}

	ext := extensionOf(rawURL)
	return truncate(base, maxNameSize-len(ext)) + ext
}

func extensionOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return defaultExt
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if !extPattern.MatchString(ext) {
		return defaultExt
	}
	return ext
}

// cleanName deja s apto como un único elemento de ruta
func cleanName(s string) string {
	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	s = hostile.Replace(s)
	s = spaces.ReplaceAllString(s, " ")
	s = strings.Trim(s, " .")
	if s == "" {
		return "untitled"
	}
	return s
}

// truncate corta s a n bytes como mucho sin partir una runa
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return strings.TrimRight(s[:n], " .")
}

// FilenameFromURL nombra una tarea manual con name, o con el último elemento
// de la ruta de su URL si name está vacío.
func FilenameFromURL(rawURL, name string) string {
	if name == "" {
		if u, err := url.Parse(rawURL); err == nil {
			name = path.Base(u.Path)
		}
		if name == "/" || name == "." {
			name = ""
		}
	}

	ext := extensionOf(rawURL)
	if e := path.Ext(name); extPattern.MatchString(strings.ToLower(e)) {
		ext = strings.ToLower(e)
		name = strings.TrimSuffix(name, e)
	}
	return truncate(cleanName(name), maxNameSize-len(ext)) + ext
}
