package student

import (
	"errors"
	"strings"
	"time"

	"github.com/schulhub/schulsync/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// KONTO & SCHULZUGEHÖRIGKEIT
// Ein Elternkonto kann Kinder an mehreren Schulen haben. Jede Schule vergibt
// ein eigenes Sitzungstoken; die Mitgliedschaften werden deshalb getrennt
// geführt und unabhängig voneinander angemeldet.
// ══════════════════════════════════════════════════════════════════════════════

// Account ist das Elternkonto auf dem Portal mit allen Schulzugehörigkeiten.
type Account struct {
	// ID - stabiler lokaler Bezeichner des Kontos (aus der Konfiguration).
	ID string

	// Login - E-Mail-Adresse oder Benutzername auf dem Portal.
	Login string

	// Memberships - eine Mitgliedschaft je Schule.
	Memberships []SchoolMembership

	// Options - Synchronisierungsoptionen dieses Kontos.
	Options SyncOptions

	// CreatedAt - Zeitpunkt der Registrierung.
	CreatedAt time.Time

	// UpdatedAt - Zeitpunkt der letzten Änderung.
	UpdatedAt time.Time
}

// SchoolMembership bindet ein Konto an eine Schule samt Sitzungstoken.
type SchoolMembership struct {
	// SchoolID - Kennung der Schule. Null bedeutet: noch nicht aufgelöst
	// (Konto mit nur einer Schule, die das Portal implizit wählt).
	SchoolID shared.SchoolID

	// Label - Anzeigename der Schule aus der Schulauswahl des Portals.
	Label string

	// Students - Kinder des Kontos an dieser Schule.
	Students []*Student

	// Token - aktuelles Sitzungstoken (JWT des Portals).
	Token string

	// TokenExpiry - Ablaufzeitpunkt des Tokens; Nullwert, wenn unbekannt.
	TokenExpiry time.Time

	// LoggedInAt - Zeitpunkt der letzten erfolgreichen Anmeldung.
	LoggedInAt time.Time
}

// Domänenfehler des Kontos.
var (
	// ErrEmptyLogin - Login fehlt.
	ErrEmptyLogin = errors.New("account: login must not be empty")

	// ErrNoMembership - Konto ohne aufgelöste Schulzugehörigkeit.
	ErrNoMembership = errors.New("account: no school membership resolved")

	// ErrInvalidOptions - Optionen außerhalb der erlaubten Grenzen.
	ErrInvalidOptions = errors.New("account: invalid sync options")
)

// tokenExpiryMargin wird vom Ablaufzeitpunkt abgezogen, damit ein Token nicht
// mitten im Zyklus abläuft.
const tokenExpiryMargin = 2 * time.Minute

// NewAccount erstellt ein Konto mit Standardoptionen.
func NewAccount(id, login string) (*Account, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return nil, ErrEmptyLogin
	}
	if id == "" {
		id = Slugify(login)
	}

	now := time.Now().UTC()

	return &Account{
		ID:        id,
		Login:     login,
		Options:   DefaultSyncOptions(),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// HasToken prüft, ob die Mitgliedschaft ein noch gültiges Token trägt.
// Ein Token ohne bekannten Ablauf gilt als gültig, bis das Portal es ablehnt.
func (m *SchoolMembership) HasToken(now time.Time) bool {
	if m.Token == "" {
		return false
	}
	if m.TokenExpiry.IsZero() {
		return true
	}
	return now.Before(m.TokenExpiry.Add(-tokenExpiryMargin))
}

// InvalidateToken verwirft das Token, z. B. nach einer 401-Antwort.
func (m *SchoolMembership) InvalidateToken() {
	m.Token = ""
	m.TokenExpiry = time.Time{}
}

// StudentByID sucht einen Schüler dieser Mitgliedschaft.
func (m *SchoolMembership) StudentByID(id shared.StudentID) (*Student, bool) {
	for _, s := range m.Students {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// Membership liefert die Mitgliedschaft zur Schule, falls vorhanden.
func (a *Account) Membership(schoolID shared.SchoolID) (*SchoolMembership, bool) {
	for i := range a.Memberships {
		if a.Memberships[i].SchoolID == schoolID {
			return &a.Memberships[i], true
		}
	}
	return nil, false
}

// UpsertMembership trägt das Ergebnis einer Anmeldung ein. Eine vorhandene
// Mitgliedschaft derselben Schule wird ersetzt, nicht dupliziert.
func (a *Account) UpsertMembership(m SchoolMembership) {
	for i := range a.Memberships {
		if a.Memberships[i].SchoolID == m.SchoolID {
			a.Memberships[i] = m
			a.UpdatedAt = time.Now().UTC()
			return
		}
	}
	a.Memberships = append(a.Memberships, m)
	a.UpdatedAt = time.Now().UTC()
}

// SchoolIDs liefert alle bereits aufgelösten Schul-IDs.
func (a *Account) SchoolIDs() []shared.SchoolID {
	ids := make([]shared.SchoolID, 0, len(a.Memberships))
	for _, m := range a.Memberships {
		if m.SchoolID.IsValid() {
			ids = append(ids, m.SchoolID)
		}
	}
	return ids
}

// AllStudents liefert die Kinder aller Schulen in stabiler Reihenfolge.
func (a *Account) AllStudents() []*Student {
	var all []*Student
	for _, m := range a.Memberships {
		all = append(all, m.Students...)
	}
	return all
}

// StudentByKey sucht einen Schüler über seine vollständige Identität.
func (a *Account) StudentByKey(key shared.StudentKey) (*Student, bool) {
	for _, m := range a.Memberships {
		if m.SchoolID.Int64() != key.SchoolID {
			continue
		}
		for _, s := range m.Students {
			if s.ID.Int64() == key.StudentID {
				return s, true
			}
		}
	}
	return nil, false
}

// NeedsLogin prüft, ob mindestens eine Mitgliedschaft ohne gültiges Token ist
// oder noch gar keine Mitgliedschaft aufgelöst wurde.
func (a *Account) NeedsLogin(now time.Time) bool {
	if len(a.Memberships) == 0 {
		return true
	}
	for i := range a.Memberships {
		if !a.Memberships[i].HasToken(now) {
			return true
		}
	}
	return false
}

// ApplyOptions übernimmt neue Optionen nach Validierung.
func (a *Account) ApplyOptions(opts SyncOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	a.Options = opts
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SYNCHRONISIERUNGSOPTIONEN
// ══════════════════════════════════════════════════════════════════════════════

// Grenzen der Optionen.
const (
	// MinCooldownMinutes - kürzeste erlaubte Abklingzeit für manuelle Aktualisierungen.
	MinCooldownMinutes = 5
	// MaxCooldownMinutes - längste erlaubte Abklingzeit.
	MaxCooldownMinutes = 30
	// DefaultCooldownMinutes - Standard-Abklingzeit.
	DefaultCooldownMinutes = 5
	// DefaultWeeksAhead - Standard-Vorausschau des Stundenplans.
	DefaultWeeksAhead = 2
)

// SyncOptions steuert, was und wie für ein Konto synchronisiert wird.
type SyncOptions struct {
	// FetchSchedule - Stundenplan abrufen.
	FetchSchedule bool

	// FetchExams - Klassenarbeiten abrufen.
	FetchExams bool

	// FetchHomework - Hausaufgaben abrufen.
	FetchHomework bool

	// FetchGrades - Noten abrufen.
	FetchGrades bool

	// WeeksAhead - Stundenplan-Vorausschau in Wochen (1-3).
	WeeksAhead int

	// HighlightChanges - Änderungen mit Symbolen markieren.
	HighlightChanges bool

	// HideCancelled - entfallene Stunden ausblenden, wenn HighlightChanges
	// aus ist. Mit aktiver Markierung bleiben sie immer sichtbar.
	HideCancelled bool

	// CooldownMinutes - Abklingzeit für manuelle Aktualisierungen (5-30).
	CooldownMinutes int

	// WriteDebugDumps - Rohantworten zur Fehlersuche auf die Platte schreiben.
	WriteDebugDumps bool
}

// DefaultSyncOptions liefert die Standardeinstellungen: alles abrufen,
// Änderungen markieren, kürzeste Abklingzeit.
func DefaultSyncOptions() SyncOptions {
	return SyncOptions{
		FetchSchedule:    true,
		FetchExams:       true,
		FetchHomework:    true,
		FetchGrades:      true,
		WeeksAhead:       DefaultWeeksAhead,
		HighlightChanges: true,
		HideCancelled:    false,
		CooldownMinutes:  DefaultCooldownMinutes,
		WriteDebugDumps:  false,
	}
}

// Validate prüft die Grenzen der Optionen.
func (o SyncOptions) Validate() error {
	if o.WeeksAhead < 1 || o.WeeksAhead > 3 {
		return ErrInvalidOptions
	}
	if o.CooldownMinutes < MinCooldownMinutes || o.CooldownMinutes > MaxCooldownMinutes {
		return ErrInvalidOptions
	}
	return nil
}

// Cooldown liefert die Abklingzeit als Dauer.
func (o SyncOptions) Cooldown() time.Duration {
	return time.Duration(o.CooldownMinutes) * time.Minute
}

// AnyCategory prüft, ob überhaupt etwas abzurufen ist.
func (o SyncOptions) AnyCategory() bool {
	return o.FetchSchedule || o.FetchExams || o.FetchHomework || o.FetchGrades
}
