package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type commandKind int

const (
	cmdAnswer commandKind = iota
	cmdList
	cmdShow
	cmdTime
	cmdSubmit
	cmdQuit
	cmdHelp
)

type command struct {
	kind     commandKind
	question int // 1-based
	value    string
}

var errEmptyCommand = errors.New("empty command")

// parseCommand reads one line typed during the attempt:
//
//	3 b           answer question 3 with "b"
//	3 -           clear the answer to question 3
//	ver 3         show question 3
//	lista         list every question with its answer
//	tiempo        time left
//	enviar        submit
//	salir         leave; the attempt stays open on the server
func parseCommand(line string, total int) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, errEmptyCommand
	}

	head, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(head) {
	case "lista", "l":
		return command{kind: cmdList}, nil
	case "tiempo", "t":
		return command{kind: cmdTime}, nil
	case "enviar":
		return command{kind: cmdSubmit}, nil
	case "salir", "q":
		return command{kind: cmdQuit}, nil
	case "ayuda", "?", "h":
		return command{kind: cmdHelp}, nil
	case "ver", "v":
		n, err := questionNumber(rest, total)
		if err != nil {
			return command{}, err
		}
		return command{kind: cmdShow, question: n}, nil
	}

	n, err := questionNumber(head, total)
	if err != nil {
		return command{}, fmt.Errorf("comando desconocido %q", head)
	}
	if rest == "" {
		return command{kind: cmdShow, question: n}, nil
	}
	if rest == "-" {
		rest = ""
	}
	return command{kind: cmdAnswer, question: n, value: rest}, nil
}

func questionNumber(s string, total int) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("número de pregunta inválido %q", s)
	}
	if n < 1 || n > total {
		return 0, fmt.Errorf("la pregunta %d no existe (1-%d)", n, total)
	}
	return n, nil
}
