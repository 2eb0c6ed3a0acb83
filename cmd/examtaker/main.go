// examtaker is the student's terminal client: log in, open an exam, answer
// against the clock and submit. The countdown submits on its own when time
// runs out; leaving early keeps the attempt open for a later resume.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/stemsi/exstem-examtaker/internal/attempt"
	"github.com/stemsi/exstem-examtaker/internal/client"
	"github.com/stemsi/exstem-examtaker/internal/config"
	"github.com/stemsi/exstem-examtaker/internal/logger"
	"github.com/stemsi/exstem-examtaker/internal/notify"
	ws "github.com/stemsi/exstem-examtaker/internal/websocket"
	"golang.org/x/term"
)

type options struct {
	examID   string
	nisn     string
	apiURL   string
	wsURL    string
	noClock  bool
	logLevel string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	var opts options
	flags := pflag.NewFlagSet("examtaker", pflag.ContinueOnError)
	flags.StringVarP(&opts.examID, "exam", "e", "", "exam id (required)")
	flags.StringVarP(&opts.nisn, "nisn", "u", "", "student NISN (prompted when empty)")
	flags.StringVar(&opts.apiURL, "api", cfg.APIBaseURL, "Attempt Service REST base URL")
	flags.StringVar(&opts.wsURL, "ws", cfg.WSBaseURL, "Attempt Service WebSocket base URL")
	flags.BoolVar(&opts.noClock, "no-clock", false, "do not follow the server clock stream")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level written to stderr")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	examID, err := uuid.Parse(opts.examID)
	if err != nil {
		return fmt.Errorf("--exam must be a valid exam id: %w", err)
	}

	log := logger.Setup(opts.logLevel, "pretty", os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	in := bufio.NewReader(os.Stdin)
	scr := newScreen(os.Stdout)

	cl := client.New(strings.TrimRight(opts.apiURL, "/"), client.NewAuthSession(), cfg.RequestTimeout, client.WithLogger(log))

	// ─── Login ─────────────────────────────────────────────────────────
	if opts.nisn == "" {
		fmt.Print("NISN: ")
		opts.nisn = readLine(in)
	}
	fmt.Print("Contraseña: ")
	password, err := readPassword(in)
	if err != nil {
		return err
	}
	login, err := cl.Login(ctx, opts.nisn, password)
	if err != nil {
		if errors.Is(err, client.ErrUnauthorized) {
			return errors.New("NISN o contraseña incorrectos")
		}
		return err
	}
	scr.printf("Hola, %s.\n", login.Student.Name)

	// ─── Pre-start ─────────────────────────────────────────────────────
	detail, err := cl.GetExam(ctx, examID)
	if err != nil {
		return fmt.Errorf("load exam: %w", err)
	}

	sess := attempt.New(detail, cl,
		attempt.WithTickInterval(cfg.TickInterval),
		attempt.WithObserver(scr.observe),
		attempt.WithLogger(log),
	)
	defer sess.Close()

	scr.prestart(sess)
	if !sess.CanStart() {
		scr.printf("No te quedan intentos para este examen.\n")
		return nil
	}

	verb := "Comenzar"
	if sess.Resumable() != nil {
		verb = "Reanudar"
	}
	scr.printf("¿%s ahora? [s/N] ", verb)
	if !strings.EqualFold(readLine(in), "s") {
		return nil
	}

	if err := sess.Start(ctx); err != nil {
		if errors.Is(err, attempt.ErrAttemptsExhausted) {
			scr.printf("No te quedan intentos para este examen.\n")
			return nil
		}
		return err
	}

	if sess.Status() == attempt.StatusSubmitted {
		// Resumed after the deadline; Start already submitted it.
		scr.result(sess.Result())
		return nil
	}

	// ─── Server clock ──────────────────────────────────────────────────
	if !opts.noClock {
		clock := notify.New(strings.TrimRight(opts.wsURL, "/"), examID, cl.Auth(), log)
		if err := clock.Connect(ctx); err != nil {
			log.Warn().Err(err).Msg("Clock stream unavailable, using local countdown only")
		} else {
			defer clock.Close()
			go notify.Follow(ctx, clock.Events(), sess.Remaining, cfg.ClockDriftTolerance, notify.Handlers{
				OnDrift:    scr.drift,
				OnFinished: func(msg ws.Message) { closedElsewhere(ctx, sess, scr, msg) },
			}, log)
		}
	}

	scr.help()
	return promptLoop(ctx, sess, scr, in, log)
}

// closedElsewhere handles a finalizado event for an attempt this process
// still shows as open: another device submitted it or the server expired it.
// Submitting here gets ATTEMPT_ALREADY_SUBMITTED back, which the session
// treats as done without grading twice.
func closedElsewhere(ctx context.Context, sess *attempt.Session, scr *screen, msg ws.Message) {
	if sess.Status() != attempt.StatusInProgress {
		return
	}
	if msg.Expired {
		scr.printf("\n** El servidor cerró el intento por tiempo. **\n")
	} else {
		scr.printf("\n** El intento fue enviado desde otro dispositivo. **\n")
	}
	_, _ = sess.Submit(ctx)
}

func promptLoop(ctx context.Context, sess *attempt.Session, scr *screen, in *bufio.Reader, log zerolog.Logger) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			line, err := in.ReadString('\n')
			if line != "" {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()

	total := len(sess.Exam().Questions)
	for {
		select {
		case <-ctx.Done():
			scr.printf("\nSaliendo. El intento sigue abierto y podrás reanudarlo mientras quede tiempo.\n")
			return nil

		case <-poll.C:
			if sess.Status() == attempt.StatusSubmitted {
				scr.result(sess.Result())
				return nil
			}

		case line, ok := <-lines:
			if !ok {
				// stdin closed: keep the countdown running until it submits.
				lines = nil
				continue
			}
			cmd, err := parseCommand(line, total)
			if errors.Is(err, errEmptyCommand) {
				continue
			}
			if err != nil {
				scr.printf("%v (escribe ? para ayuda)\n", err)
				continue
			}
			if done := execute(ctx, sess, scr, cmd, log); done {
				return nil
			}
		}
	}
}

func execute(ctx context.Context, sess *attempt.Session, scr *screen, cmd command, log zerolog.Logger) bool {
	exam := sess.Exam()
	switch cmd.kind {
	case cmdHelp:
		scr.help()
	case cmdList:
		scr.list(sess)
	case cmdTime:
		scr.printf("Restante: %s\n", formatClock(sess.Remaining()))
	case cmdShow:
		q := &exam.Questions[cmd.question-1]
		v, ok := sess.Answer(q.ID)
		scr.question(cmd.question, q, v, ok)
	case cmdAnswer:
		q := &exam.Questions[cmd.question-1]
		switch err := sess.RecordAnswer(q.ID, cmd.value); {
		case err == nil:
			answered, total := sess.Progress()
			scr.printf("Guardada (%d/%d).\n", answered, total)
		case errors.Is(err, attempt.ErrInvalidAnswer):
			scr.printf("Respuesta inválida: %v\n", err)
		case errors.Is(err, attempt.ErrTimeUp), errors.Is(err, attempt.ErrNotInProgress):
			scr.printf("Ya no se pueden cambiar las respuestas.\n")
		default:
			log.Error().Err(err).Msg("Record answer failed")
		}
	case cmdSubmit:
		answered, total := sess.Progress()
		if answered < total {
			scr.printf("Hay %d preguntas sin responder.\n", total-answered)
		}
		res, err := sess.Submit(ctx)
		switch {
		case err == nil:
			scr.result(res)
			return true
		case errors.Is(err, attempt.ErrSubmitInProgress):
			scr.printf("El envío ya está en curso.\n")
		default:
			// The observer already reported the failure.
		}
	case cmdQuit:
		scr.printf("El intento sigue abierto y podrás reanudarlo mientras quede tiempo.\n")
		return true
	}
	return false
}

func readLine(in *bufio.Reader) string {
	line, _ := in.ReadString('\n')
	return strings.TrimSpace(line)
}

// readPassword hides input on a terminal and falls back to a plain line when
// stdin is piped.
func readPassword(in *bufio.Reader) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read password: %w", err)
		}
		return strings.TrimSpace(line), nil
	}
	raw, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(raw), nil
}
