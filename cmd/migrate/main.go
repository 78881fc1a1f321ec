package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/ManuelReschke/HookFox/internal/pkg/env"
)

func main() {
	// Lade Umgebungsvariablen aus .env-Datei
	env.SetupEnvFile()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	m, err := migrate.New(env.GetEnv("MIGRATIONS_SOURCE", "file://migrations"), databaseURL())
	if err != nil {
		log.Fatalf("Fehler beim Initialisieren der Migration: %v", err)
	}

	defer func() {
		if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
			log.Printf("Fehler beim Schließen der Migrationsressourcen: %v, %v", sourceErr, dbErr)
		}
	}()

	switch os.Args[1] {
	case "up":
		// Alle ausstehenden Migrationen ausführen
		err := m.Up()
		switch {
		case err == migrate.ErrNoChange:
			log.Println("Keine Änderungen: Datenbank ist bereits auf dem neuesten Stand")
		case err != nil:
			log.Fatalf("Fehler beim Ausführen der Migrationen: %v", err)
		default:
			log.Println("Migrationen erfolgreich ausgeführt")
		}

	case "down":
		// Letzte Migration zurückrollen
		if err := m.Steps(-1); err != nil {
			log.Fatalf("Fehler beim Zurückrollen der letzten Migration: %v", err)
		}
		log.Println("Letzte Migration erfolgreich zurückgerollt")

	case "goto":
		version := parseVersion()
		// Zu einer bestimmten Version migrieren
		if err := m.Migrate(uint(version)); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("Fehler beim Migrieren zur Version %d: %v", version, err)
		}
		log.Printf("Datenbank ist auf Version %d", version)

	case "force":
		version := parseVersion()
		// Version setzen und Dirty-Flag löschen, z.B. nach einer
		// abgebrochenen Migration
		if err := m.Force(int(version)); err != nil {
			log.Fatalf("Fehler beim Erzwingen der Version %d: %v", version, err)
		}
		log.Printf("Version %d erzwungen, Dirty-Flag zurückgesetzt", version)

	case "status":
		// Aktuelle Migrationsversion anzeigen
		version, dirty, err := m.Version()
		if err == migrate.ErrNilVersion {
			log.Println("Keine Migrationen wurden bisher ausgeführt")
			return
		}
		if err != nil {
			log.Fatalf("Fehler beim Abrufen der Migrationsversion: %v", err)
		}
		if dirty {
			log.Printf("Aktuelle Migrationsversion: %d (dirty)", version)
		} else {
			log.Printf("Aktuelle Migrationsversion: %d", version)
		}

	default:
		printUsage()
		os.Exit(1)
	}
}

// databaseURL baut die MySQL-URL aus den DB_* Umgebungsvariablen.
func databaseURL() string {
	log.Printf("Verbinde mit Datenbank: %s@%s:%s/%s",
		env.GetEnv("DB_USER", "hookfox"),
		env.GetEnv("DB_HOST", "db"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", "hookfox_db"),
	)

	return fmt.Sprintf("mysql://%s:%s@tcp(%s:%s)/%s?multiStatements=true",
		env.GetEnv("DB_USER", "hookfox"),
		env.GetEnv("DB_PASSWORD", "hookfox"),
		env.GetEnv("DB_HOST", "db"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", "hookfox_db"),
	)
}

func parseVersion() uint64 {
	if len(os.Args) < 3 {
		log.Fatalf("Bitte geben Sie eine Versionsnummer an")
	}
	version, err := strconv.ParseUint(os.Args[2], 10, 64)
	if err != nil {
		log.Fatalf("Ungültige Versionsnummer: %v", err)
	}
	return version
}

func printUsage() {
	fmt.Println("Verwendung: go run cmd/migrate/main.go [command]")
	fmt.Println("Verfügbare Befehle:")
	fmt.Println("  up      - Führe alle ausstehenden Migrationen aus")
	fmt.Println("  down    - Rolle die letzte Migration zurück")
	fmt.Println("  goto N  - Migriere zur Version N")
	fmt.Println("  force N - Setze Version N und lösche das Dirty-Flag")
	fmt.Println("  status  - Zeige aktuelle Migrationsversion an")
}
