package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/stemsi/exstem-examtaker/internal/config"
	"github.com/stemsi/exstem-examtaker/internal/database"
	"github.com/stemsi/exstem-examtaker/internal/logger"
	"github.com/stemsi/exstem-examtaker/internal/model"
	"github.com/stemsi/exstem-examtaker/internal/repository"
	"github.com/stemsi/exstem-examtaker/internal/service"
	"golang.org/x/term"
)

const minPasswordLength = 6

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	ctx := context.Background()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Initialize Service ────────────────────────────────────────────
	studentService := service.NewStudentService(repository.NewStudentRepository(pool), cfg.BcryptCost)

	// ─── CLI Input ─────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("=== Crear estudiante ===")

	fmt.Print("Nombre: ")
	name, _ := reader.ReadString('\n')
	name = strings.TrimSpace(name)
	if name == "" {
		fmt.Println("Error: el nombre es obligatorio")
		return
	}

	fmt.Print("NISN: ")
	nisn, _ := reader.ReadString('\n')
	nisn = strings.TrimSpace(nisn)
	if len(nisn) < 4 || len(nisn) > 20 {
		fmt.Println("Error: el NISN debe tener entre 4 y 20 caracteres")
		return
	}

	fmt.Print("Contraseña: ")
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fmt.Println("Error: no se pudo leer la contraseña")
		return
	}
	password := string(bytePassword)
	if len(password) < minPasswordLength {
		fmt.Printf("Error: la contraseña debe tener al menos %d caracteres\n", minPasswordLength)
		return
	}

	// ─── Logic ─────────────────────────────────────────────────────────
	student := &model.Student{
		NISN:         nisn,
		Name:         name,
		PasswordHash: password,
	}

	if err := studentService.Create(ctx, student); err != nil {
		if errors.Is(err, repository.ErrDuplicateNISN) {
			fmt.Printf("Error: ya existe un estudiante con NISN %s\n", nisn)
			return
		}
		log.Fatal().Err(err).Msg("Failed to create student")
	}

	fmt.Printf("\nListo: estudiante '%s' (NISN %s) creado con ID %d\n", student.Name, student.NISN, student.ID)
}
