// Package student enthält das Domänenmodell für Schüler und Elternkonten.
// Kernlogik ohne Infrastruktur-Abhängigkeiten; einzige Ausnahme ist
// golang.org/x/text für die Unicode-Normalisierung der Slugs.
package student

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/schulhub/schulsync/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// VALUE OBJECTS
// ══════════════════════════════════════════════════════════════════════════════

// ClassID ist die Klassen-Kennung des Portals (z. B. für "7b").
type ClassID int64

// IsValid prüft, ob die Klassen-Kennung gesetzt ist.
func (c ClassID) IsValid() bool {
	return c > 0
}

// Int64 liefert den rohen Wert.
func (c ClassID) Int64() int64 {
	return int64(c)
}

// ══════════════════════════════════════════════════════════════════════════════
// HAUPTENTITÄT: SCHÜLER
// ══════════════════════════════════════════════════════════════════════════════

// Student repräsentiert ein Kind, dessen Daten synchronisiert werden.
// Die Identität ist immer das Paar (SchoolID, ID): zwei Schulen können
// dieselben numerischen IDs vergeben.
type Student struct {
	// ID - Schüler-ID des Portals, nur innerhalb einer Schule eindeutig.
	ID shared.StudentID

	// SchoolID - Schule, zu der dieser Schüler gehört.
	SchoolID shared.SchoolID

	// ClassID - Klassen-Kennung des Portals (optional).
	ClassID ClassID

	// FirstName - Vorname laut Portal.
	FirstName string

	// LastName - Nachname laut Portal.
	LastName string

	// CreatedAt - Zeitpunkt der ersten Synchronisierung.
	CreatedAt time.Time

	// UpdatedAt - Zeitpunkt der letzten Änderung.
	UpdatedAt time.Time
}

// ══════════════════════════════════════════════════════════════════════════════
// DOMÄNENFEHLER
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrInvalidStudentID - die Schüler-ID fehlt oder ist nicht positiv.
	ErrInvalidStudentID = errors.New("student: invalid student id")

	// ErrInvalidSchoolID - die Schul-ID fehlt oder ist nicht positiv.
	ErrInvalidSchoolID = errors.New("student: invalid school id")

	// ErrEmptyName - weder Vor- noch Nachname vorhanden.
	ErrEmptyName = errors.New("student: name must not be empty")
)

// ══════════════════════════════════════════════════════════════════════════════
// FABRIK & VALIDIERUNG
// ══════════════════════════════════════════════════════════════════════════════

// NewStudentParams bündelt die Felder für NewStudent.
type NewStudentParams struct {
	ID        int64
	SchoolID  int64
	ClassID   int64
	FirstName string
	LastName  string
}

// NewStudent erstellt einen Schüler mit Validierung aller Felder.
func NewStudent(params NewStudentParams) (*Student, error) {
	id, err := shared.NewStudentID(params.ID)
	if err != nil {
		return nil, ErrInvalidStudentID
	}

	schoolID, err := shared.NewSchoolID(params.SchoolID)
	if err != nil {
		return nil, ErrInvalidSchoolID
	}

	firstName := strings.TrimSpace(params.FirstName)
	lastName := strings.TrimSpace(params.LastName)
	if firstName == "" && lastName == "" {
		return nil, ErrEmptyName
	}

	now := time.Now().UTC()

	return &Student{
		ID:        id,
		SchoolID:  schoolID,
		ClassID:   ClassID(params.ClassID),
		FirstName: firstName,
		LastName:  lastName,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// DOMÄNENMETHODEN
// ══════════════════════════════════════════════════════════════════════════════

// Key liefert die vollständige Identität (SchoolID, StudentID).
func (s *Student) Key() shared.StudentKey {
	return shared.StudentKey{SchoolID: s.SchoolID.Int64(), StudentID: s.ID.Int64()}
}

// FullName liefert "Vorname Nachname" ohne überflüssige Leerzeichen.
func (s *Student) FullName() string {
	return strings.TrimSpace(s.FirstName + " " + s.LastName)
}

// DisplayName liefert den Vornamen, falls vorhanden, sonst den vollen Namen.
func (s *Student) DisplayName() string {
	if s.FirstName != "" {
		return s.FirstName
	}
	return s.FullName()
}

// Slug liefert den URL-sicheren Bezeichner für HTTP-Pfade und Dateinamen.
// Slugs sind reine Darstellung; die Identität bleibt immer Key().
func (s *Student) Slug() string {
	return Slugify(s.FullName())
}

// Rename übernimmt einen geänderten Namen aus dem Portal.
func (s *Student) Rename(firstName, lastName string) {
	s.FirstName = strings.TrimSpace(firstName)
	s.LastName = strings.TrimSpace(lastName)
	s.UpdatedAt = time.Now().UTC()
}

// String liefert eine Log-Darstellung ohne personenbezogene Details.
func (s *Student) String() string {
	return fmt.Sprintf("Student{ID: %d, School: %d, Class: %d}", s.ID.Int64(), s.SchoolID.Int64(), s.ClassID.Int64())
}

// Clone erstellt eine Kopie des Schülers.
func (s *Student) Clone() *Student {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}
