// Package render erzeugt die menschenlesbaren Darstellungen der Snapshot-
// Daten: Stundenplan-Zeilen mit Emoji-Markern, Tagestexte und die lokalisierten
// Änderungszusammenfassungen, die mit jedem Snapshot veröffentlicht werden.
// Deutsch ist die Hauptsprache, Englisch die Rückfallebene für alles, was
// keine deutsche Schule erwartet.
package render

import (
	"embed"
	"encoding/json"
	"log/slog"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

// DefaultLanguage ist die Sprache des Portals und seiner Nutzer.
const DefaultLanguage = "de"

// Renderer übersetzt Snapshot-Inhalte in Text genau einer Sprache. Ein
// Renderer ist nach dem Erzeugen unveränderlich und darf von mehreren
// Goroutinen gleichzeitig benutzt werden.
type Renderer struct {
	localizer *i18n.Localizer
	lang      string
	logger    *slog.Logger
}

// NewRenderer lädt die eingebetteten Sprachdateien und erstellt einen
// Renderer für die gewünschte Sprache. Unbekannte Sprachen fallen auf
// Deutsch zurück.
func NewRenderer(lang string, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "renderer")
	if lang == "" {
		lang = DefaultLanguage
	}

	bundle := i18n.NewBundle(language.German)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)
	for _, name := range []string{"active.de.json", "active.en.json"} {
		if _, err := bundle.LoadMessageFileFS(localeFS, "locales/"+name); err != nil {
			logger.Error("Sprachdatei nicht ladbar", "file", name, "error", err)
		}
	}

	return &Renderer{
		localizer: i18n.NewLocalizer(bundle, lang),
		lang:      lang,
		logger:    logger,
	}
}

// Language gibt die konfigurierte Sprache zurück.
func (r *Renderer) Language() string {
	return r.lang
}

// msg lokalisiert eine Nachricht. Fehlende Schlüssel kommen als Schlüssel
// selbst zurück, damit ein Tippfehler im Katalog sichtbar bleibt statt leer.
func (r *Renderer) msg(id string, data map[string]any) string {
	out, err := r.localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    id,
		TemplateData: data,
	})
	if err != nil {
		r.logger.Debug("Übersetzung fehlt", "id", id, "error", err)
		return id
	}
	return out
}

// plural lokalisiert eine Nachricht mit Pluralformen.
func (r *Renderer) plural(id string, count int, data map[string]any) string {
	if data == nil {
		data = make(map[string]any, 1)
	}
	data["Count"] = count
	out, err := r.localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    id,
		TemplateData: data,
		PluralCount:  count,
	})
	if err != nil {
		r.logger.Debug("Übersetzung fehlt", "id", id, "error", err)
		return id
	}
	return out
}
