package student

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// ══════════════════════════════════════════════════════════════════════════════
// SLUGS
// Schülernamen tauchen in URLs und Dateinamen auf. Der Slug ist die dafür
// bereinigte Form des Namens: deutsche Umlaute werden ausgeschrieben, alle
// übrigen Akzente über NFKD entfernt.
// ══════════════════════════════════════════════════════════════════════════════

// SlugFallback wird verwendet, wenn vom Namen nichts Verwertbares übrig bleibt.
const SlugFallback = "schueler"

// maxSlugLen begrenzt Slugs auf eine dateinamen-taugliche Länge.
const maxSlugLen = 60

// Umlaute vor der NFKD-Zerlegung ausschreiben, sonst würde "ü" zu "u" statt "ue".
var germanReplacer = strings.NewReplacer(
	"ä", "ae", "ö", "oe", "ü", "ue", "ß", "ss",
	"Ä", "Ae", "Ö", "Oe", "Ü", "Ue", "ẞ", "Ss",
)

// Slugify macht aus einem Schülernamen einen URL- und dateisystemsicheren
// Bezeichner: Kleinbuchstaben, Ziffern und Unterstriche, höchstens 60 Zeichen.
// Leere Eingaben ergeben SlugFallback.
func Slugify(name string) string {
	s := germanReplacer.Replace(strings.TrimSpace(name))
	s = norm.NFKD.String(s)

	var b strings.Builder
	pendingSep := false
	for _, r := range s {
		// Kombinierende Zeichen stammen aus der NFKD-Zerlegung (é -> e + ́).
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(unicode.ToLower(r))
		default:
			pendingSep = true
		}
	}

	out := b.String()
	if len(out) > maxSlugLen {
		out = strings.TrimRight(out[:maxSlugLen], "_")
	}
	if out == "" {
		return SlugFallback
	}
	return out
}
