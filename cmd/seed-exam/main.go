package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/stemsi/exstem-examtaker/internal/config"
	"github.com/stemsi/exstem-examtaker/internal/database"
	"github.com/stemsi/exstem-examtaker/internal/logger"
	"github.com/stemsi/exstem-examtaker/internal/model"
	"github.com/stemsi/exstem-examtaker/internal/repository"
	"github.com/stemsi/exstem-examtaker/internal/service"
)

func main() {
	flags := pflag.NewFlagSet("seed-exam", pflag.ExitOnError)
	examFile := flags.StringP("file", "f", "", "JSON exam definition to load (default: built-in demo exam)")
	students := flags.IntP("students", "s", 50, "number of demo students to create")
	password := flags.String("password", "stemsijaya", "password for every demo student")
	_ = flags.Parse(os.Args[1:])

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	examRepo := repository.NewExamRepository(pool)
	studentService := service.NewStudentService(repository.NewStudentRepository(pool), cfg.BcryptCost)

	// ─── Exam ──────────────────────────────────────────────────────────
	exam := demoExam()
	if *examFile != "" {
		raw, err := os.ReadFile(*examFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", *examFile).Msg("Failed to read exam file")
		}
		exam = &model.ExamDefinition{}
		if err := json.Unmarshal(raw, exam); err != nil {
			log.Fatal().Err(err).Str("file", *examFile).Msg("Invalid exam file")
		}
	}

	if err := examRepo.Create(ctx, exam); err != nil {
		log.Fatal().Err(err).Msg("Failed to create exam")
	}
	fmt.Printf("Examen '%s' creado: %s (%d preguntas, %.0f puntos)\n",
		exam.Title, exam.ID, len(exam.Questions), exam.TotalPoints)

	// ─── Students ──────────────────────────────────────────────────────
	created := 0
	for i := 0; i < *students; i++ {
		student := &model.Student{
			NISN:         fmt.Sprintf("user%d", i+1),
			Name:         fmt.Sprintf("Estudiante %02d", i+1),
			PasswordHash: *password,
		}
		if err := studentService.Create(ctx, student); err != nil {
			if errors.Is(err, repository.ErrDuplicateNISN) {
				continue
			}
			fmt.Printf("Error creando %s: %v\n", student.NISN, err)
			continue
		}
		created++
		if created%10 == 0 {
			fmt.Printf("%d estudiantes creados...\n", created)
		}
	}

	fmt.Printf("\nSemilla completa: %d/%d estudiantes nuevos.\n", created, *students)
}

func demoExam() *model.ExamDefinition {
	return &model.ExamDefinition{
		Title:             "Evaluación diagnóstica de redes",
		DurationMinutes:   30,
		PassingPercentage: 60,
		MaxAttempts:       2,
		Questions: []model.Question{
			{
				Type:   model.QuestionTypeMultipleChoice,
				Text:   "¿Qué capa del modelo OSI se encarga del enrutamiento?",
				Points: 2,
				Options: []model.Option{
					{ID: "a", Text: "Enlace de datos"},
					{ID: "b", Text: "Red"},
					{ID: "c", Text: "Transporte"},
					{ID: "d", Text: "Aplicación"},
				},
				CorrectAnswer: "b",
				OrderNum:      1,
			},
			{
				Type:          model.QuestionTypeTrueFalse,
				Text:          "TCP garantiza la entrega ordenada de los segmentos.",
				Points:        1,
				CorrectAnswer: model.AnswerTrue,
				OrderNum:      2,
			},
			{
				Type:          model.QuestionTypeShortAnswer,
				Text:          "¿Qué protocolo traduce nombres de dominio a direcciones IP?",
				Points:        2,
				CorrectAnswer: "DNS",
				OrderNum:      3,
			},
			{
				Type:     model.QuestionTypeEssay,
				Text:     "Explique la diferencia entre un switch y un router.",
				Points:   5,
				OrderNum: 4,
			},
		},
	}
}
