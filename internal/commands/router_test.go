package commands

import (
	"context"
	"errors"
	"strings"
	"testing"

	"mvpbot/internal/errs"
	"mvpbot/pkg/logx"
)

func echoRouter() *Router {
	r := NewRouter(logx.Nop())
	r.Register(
		Command{
			Name: "mvp-announce", Mutates: true,
			Options: []Option{
				{Name: "nome", Kind: OptString, Required: true},
				{Name: "horario", Kind: OptString, Required: true},
			},
			Handle: func(_ context.Context, req Request) (Reply, error) {
				return Reply{Text: req.String("nome") + "@" + req.String("horario")}, nil
			},
		},
		Command{
			Name: "mvp-add", Mutates: true,
			Options: []Option{
				{Name: "nome", Kind: OptString, Required: true},
				{Name: "mapa", Kind: OptString},
				{Name: "prioridade", Kind: OptInteger, Min: intPtr(0), Max: intPtr(10)},
				{Name: "mensagem", Kind: OptString},
				{Name: "respawn", Kind: OptInteger, Min: intPtr(1)},
			},
			Handle: func(context.Context, Request) (Reply, error) { return Reply{Text: "ok"}, nil },
		},
		Command{
			Name: "mvp-list",
			Options: []Option{{Name: "apenas-ativos", Kind: OptBoolean}},
			Handle: func(_ context.Context, req Request) (Reply, error) {
				if req.Bool("apenas-ativos") {
					return Reply{Text: "active"}, nil
				}
				return Reply{Text: "all"}, nil
			},
		},
		Command{Name: "missing", Handle: func(context.Context, Request) (Reply, error) {
			return Reply{}, errs.NotFound("MVP %s não encontrado", "Orc Lord")
		}},
		Command{Name: "broken", Handle: func(context.Context, Request) (Reply, error) {
			return Reply{}, errors.New("disk I/O error")
		}},
		Command{Name: "panics", Handle: func(context.Context, Request) (Reply, error) {
			panic("boom")
		}},
	)
	return r
}

func TestNormalizeName(t *testing.T) {
	for in, want := range map[string]string{
		"/mvp_timers@mvpbot": "mvp-timers",
		"MVP-Status":         "mvp-status",
		" /mvp-add ":         "mvp-add",
	} {
		if got := NormalizeName(in); got != want {
			t.Errorf("NormalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDispatchErrors(t *testing.T) {
	r := echoRouter()
	ctx := context.Background()

	cases := []struct {
		req  Request
		want string
	}{
		{Request{Command: "nope"}, errorPrefix + "Comando desconhecido: nope"},
		{Request{Command: "missing"}, errorPrefix + "MVP Orc Lord não encontrado"},
		{Request{Command: "broken"}, errorPrefix + "Erro ao processar o comando. Tente novamente."},
		{Request{Command: "panics"}, errorPrefix + "Erro ao processar o comando. Tente novamente."},
		{Request{Command: "mvp-announce", Options: map[string]string{"nome": "Osiris"}}, errorPrefix + "opção obrigatória ausente: horario"},
		{Request{Command: "mvp-add", Options: map[string]string{"nome": "x", "prioridade": "11"}}, errorPrefix + "prioridade deve ser no máximo 10"},
		{Request{Command: "mvp-add", Options: map[string]string{"nome": "x", "respawn": "0"}}, errorPrefix + "respawn deve ser no mínimo 1"},
		{Request{Command: "mvp-add", Options: map[string]string{"nome": "x", "respawn": "dez"}}, errorPrefix + "respawn deve ser um número inteiro"},
	}
	for _, tc := range cases {
		rep := r.Dispatch(ctx, tc.req)
		if rep.Text != tc.want {
			t.Errorf("%s: got %q, want %q", tc.req.Command, rep.Text, tc.want)
		}
		if !rep.Ephemeral {
			t.Errorf("%s: error replies should be ephemeral", tc.req.Command)
		}
	}
}

func TestDispatchReadOnly(t *testing.T) {
	r := echoRouter()
	ctx := context.Background()

	rep := r.Dispatch(ctx, Request{Command: "mvp-announce", ReadOnly: true, Options: map[string]string{"nome": "a", "horario": "10:00"}})
	if !strings.Contains(rep.Text, "permissão") {
		t.Fatalf("read-only mutate: %q", rep.Text)
	}
	rep = r.Dispatch(ctx, Request{Command: "mvp-list", ReadOnly: true})
	if rep.Text != "all" {
		t.Fatalf("read-only list: %q", rep.Text)
	}
}

func TestParseText(t *testing.T) {
	r := echoRouter()

	req, ok := r.ParseText(`/mvp_announce Orc Hero 21:30`)
	if !ok || req.Command != "mvp-announce" {
		t.Fatalf("parse: %+v %v", req, ok)
	}
	if req.String("nome") != "Orc Hero" || req.String("horario") != "21:30" {
		t.Fatalf("options = %v", req.Options)
	}

	req, _ = r.ParseText(`/mvp_add Golden Thief Bug --prioridade 7`)
	if req.String("nome") != "Golden Thief Bug" || req.String("prioridade") != "7" {
		t.Fatalf("options = %v", req.Options)
	}

	req, _ = r.ParseText(`/mvp_add "Orc Lord" gef_fild10 --mensagem="Todos pra Geffen"`)
	if req.String("nome") != "Orc Lord" || req.String("mapa") != "gef_fild10" || req.String("mensagem") != "Todos pra Geffen" {
		t.Fatalf("options = %v", req.Options)
	}

	req, _ = r.ParseText(`/mvp_list --apenas-ativos`)
	if !req.Bool("apenas-ativos") {
		t.Fatalf("bool flag not set: %v", req.Options)
	}

	if _, ok := r.ParseText("hello there"); ok {
		t.Fatalf("plain text parsed as a command")
	}
	if req, ok := r.ParseText("/unknown a b"); !ok || req.Command != "unknown" {
		t.Fatalf("unknown command: %+v %v", req, ok)
	}
}

func TestReplyChunks(t *testing.T) {
	rep := Reply{Text: "aaaa\naaaa\naaaa\n"}
	got := rep.Chunks(10)
	if len(got) != 2 || got[0] != "aaaa\naaaa\n" || got[1] != "aaaa\n" {
		t.Fatalf("chunks = %q", got)
	}

	long := Reply{Text: strings.Repeat("x", 25)}
	got = long.Chunks(10)
	if len(got) != 3 || len(got[0]) != 10 || len(got[2]) != 5 {
		t.Fatalf("hard cut = %q", got)
	}

	if got := (Reply{Text: "short"}).Chunks(0); len(got) != 1 {
		t.Fatalf("short = %q", got)
	}
}
