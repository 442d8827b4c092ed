// Package student enthält das Domänenmodell für Schüler und Elternkonten.
//
// Dies ist der Kern der Geschäftslogik von schulsync. Das Paket definiert:
//
//   - Entitäten: Student, Account, SchoolMembership
//   - Value Objects: ClassID, SyncOptions
//   - Slug-Ableitung für URLs und Dateinamen
//
// # Architekturprinzipien
//
// Das Paket folgt Clean Architecture und DDD:
//
//  1. Keine Infrastruktur-Abhängigkeiten; einzige externe Bibliothek ist
//     golang.org/x/text für die Unicode-Normalisierung
//  2. Dependency Inversion - Speicher-Interfaces liegen bei den Snapshots,
//     Implementierungen in infrastructure
//  3. Rich Domain Model - Token-Gültigkeit, Optionsgrenzen und
//     Namensbereinigung sind in den Entitäten gekapselt
//
// # Identität
//
// Schüler-IDs des Portals sind nur innerhalb einer Schule eindeutig. Überall,
// wo Schüler mehrerer Schulen zusammentreffen, gilt deshalb der Schlüssel
// (SchoolID, StudentID):
//
//	student, err := NewStudent(NewStudentParams{
//	    ID:        4711,
//	    SchoolID:  382,
//	    FirstName: "Jonas",
//	    LastName:  "Müller",
//	})
//	key := student.Key() // "382:4711"
//
// # Konten
//
// Ein Elternkonto kann Kinder an mehreren Schulen haben. Jede Schule vergibt
// ein eigenes Sitzungstoken, die Mitgliedschaften werden getrennt angemeldet:
//
//	account, _ := NewAccount("familie-mueller", "eltern@example.org")
//	account.UpsertMembership(SchoolMembership{SchoolID: 382, Token: jwt})
//	if account.NeedsLogin(time.Now()) { ... }
package student
