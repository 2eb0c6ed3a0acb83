package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/stemsi/exstem-examtaker/internal/attempt"
	"github.com/stemsi/exstem-examtaker/internal/model"
	"github.com/stemsi/exstem-examtaker/internal/notify"
)

// Seconds left at which a reminder is printed.
var reminders = []int{300, 60, 10}

// screen serializes everything written to the terminal. The countdown, the
// clock stream and the prompt loop all print through it.
type screen struct {
	mu  sync.Mutex
	out io.Writer

	lastSeq      uint64
	lastStatus   attempt.Status
	lastFailures int
	reminded     map[int]bool
}

func newScreen(out io.Writer) *screen {
	return &screen{out: out, reminded: make(map[int]bool)}
}

func (s *screen) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

func (s *screen) prestart(sess *attempt.Session) {
	exam := sess.Exam()
	var b strings.Builder
	fmt.Fprintf(&b, "\n=== %s ===\n", exam.Title)
	fmt.Fprintf(&b, "Duración: %d minutos  |  Preguntas: %d  |  Puntaje total: %s\n",
		exam.DurationMinutes, len(exam.Questions), formatPoints(exam.TotalPoints))
	fmt.Fprintf(&b, "Aprobación: %s%%\n", formatPoints(exam.PassingPercentage))
	if exam.MaxAttempts > 0 {
		fmt.Fprintf(&b, "Intentos usados: %d de %d\n", sess.AttemptsUsed(), exam.MaxAttempts)
	} else {
		fmt.Fprintf(&b, "Intentos usados: %d (sin límite)\n", sess.AttemptsUsed())
	}
	if r := sess.Resumable(); r != nil {
		fmt.Fprintf(&b, "Tienes un intento en curso desde %s; se reanudará.\n", r.StartedAt.Local().Format("15:04:05"))
	}
	s.printf("%s", b.String())
}

func (s *screen) help() {
	s.printf(`Comandos:
  <n> <respuesta>   responder la pregunta n
  <n> -             borrar la respuesta de la pregunta n
  ver <n>           mostrar la pregunta n
  lista             ver todas las preguntas y respuestas
  tiempo            tiempo restante
  enviar            enviar el intento
  salir             salir (el intento sigue abierto)
`)
}

func (s *screen) question(n int, q *model.Question, answer string, answered bool) {
	var b strings.Builder
	fmt.Fprintf(&b, "\n%d. [%s, %s pts] %s\n", n, typeLabel(q.Type), formatPoints(q.Points), q.Text)
	for _, o := range q.Options {
		fmt.Fprintf(&b, "     %s) %s\n", o.ID, o.Text)
	}
	if q.Type == model.QuestionTypeTrueFalse {
		fmt.Fprintf(&b, "     (%s / %s)\n", model.AnswerTrue, model.AnswerFalse)
	}
	if answered {
		fmt.Fprintf(&b, "   Respuesta: %q\n", answer)
	}
	s.printf("%s", b.String())
}

func (s *screen) list(sess *attempt.Session) {
	answers := sess.Answers()
	var b strings.Builder
	for i, q := range sess.Exam().Questions {
		v, ok := answers[q.ID]
		mark := " "
		if ok && v != "" {
			mark = "x"
		}
		fmt.Fprintf(&b, "[%s] %d. %s\n", mark, i+1, truncate(q.Text, 60))
	}
	answered, total := sess.Progress()
	fmt.Fprintf(&b, "Respondidas: %d de %d  |  Restante: %s\n", answered, total, formatClock(sess.Remaining()))
	s.printf("%s", b.String())
}

// observe is the Session observer. It only prints on transitions so the
// one-second ticks stay quiet.
func (s *screen) observe(snap attempt.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.Seq <= s.lastSeq {
		return
	}
	s.lastSeq = snap.Seq

	if snap.Status == attempt.StatusInProgress {
		crossed := false
		for _, r := range reminders {
			if snap.Remaining <= r && snap.Remaining > 0 && !s.reminded[r] {
				s.reminded[r] = true
				crossed = true
			}
		}
		if crossed {
			fmt.Fprintf(s.out, "\n** Quedan %s **\n", formatClock(snap.Remaining))
		}
	}

	if snap.SubmitFailures > s.lastFailures {
		s.lastFailures = snap.SubmitFailures
		fmt.Fprintf(s.out, "\n!! No se pudo enviar el intento (%v). Tus respuestas se conservan.\n", snap.Err)
		if snap.Remaining == 0 {
			fmt.Fprintln(s.out, "!! Se reintentará automáticamente.")
		}
	}

	if snap.Status == s.lastStatus {
		return
	}
	prev := s.lastStatus
	s.lastStatus = snap.Status

	switch snap.Status {
	case attempt.StatusSubmitting:
		if snap.Trigger == attempt.TriggerTimeout {
			fmt.Fprintln(s.out, "\n** Tiempo agotado. Enviando tus respuestas... **")
		} else {
			fmt.Fprintln(s.out, "Enviando...")
		}
	case attempt.StatusInProgress:
		if prev == attempt.StatusNotStarted {
			fmt.Fprintf(s.out, "Intento %s en curso. Restante: %s\n", snap.AttemptID, formatClock(snap.Remaining))
		}
	}
}

func (s *screen) drift(d notify.Drift) {
	s.printf("\n(aviso: el reloj local difiere del servidor en %s; el servidor manda)\n", d.Delta())
}

func (s *screen) result(res *model.SubmitAttemptResponse) {
	var b strings.Builder
	fmt.Fprintf(&b, "\n=== %s ===\n", res.Msg)
	if res.TotalPoints > 0 {
		fmt.Fprintf(&b, "Puntaje: %s / %s (%s%%)\n", formatPoints(res.Score), formatPoints(res.TotalPoints), formatPoints(res.Percentage))
		switch {
		case res.PendingReview:
			fmt.Fprintln(&b, "Resultado: pendiente de revisión")
		case res.Passed:
			fmt.Fprintln(&b, "Resultado: aprobado")
		default:
			fmt.Fprintln(&b, "Resultado: no aprobado")
		}
	}
	if res.Late {
		fmt.Fprintln(&b, "Nota: enviado fuera de tiempo.")
	}
	s.printf("%s", b.String())
}

func typeLabel(t model.QuestionType) string {
	switch t {
	case model.QuestionTypeMultipleChoice:
		return "opción múltiple"
	case model.QuestionTypeTrueFalse:
		return "verdadero/falso"
	case model.QuestionTypeShortAnswer:
		return "respuesta corta"
	case model.QuestionTypeEssay:
		return "ensayo"
	default:
		return string(t)
	}
}

func formatClock(seconds int) string {
	if seconds >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", seconds/3600, seconds%3600/60, seconds%60)
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

func formatPoints(f float64) string {
	s := fmt.Sprintf("%.2f", f)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
