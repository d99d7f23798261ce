package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"

	"mvpbot/internal/errs"
	"mvpbot/internal/mvp"
	"mvpbot/internal/speech"
	"mvpbot/internal/storage"
	"mvpbot/internal/timer"
	"mvpbot/pkg/logx"
)

// Service is the domain surface the commands use; *mvp.Service implements it.
type Service interface {
	AddBoss(ctx context.Context, in mvp.NewBoss) (storage.Boss, error)
	EditBoss(ctx context.Context, name string, patch storage.BossPatch) (storage.Boss, error)
	RemoveBoss(ctx context.Context, name string) (storage.Boss, error)
	ListBosses(ctx context.Context, activeOnly bool) ([]storage.Boss, error)
	SearchBosses(ctx context.Context, query string, limit int) ([]storage.Boss, error)
	Announce(ctx context.Context, req mvp.AnnounceRequest) (mvp.AnnounceResult, error)
	Kill(ctx context.Context, name string) (storage.Spawn, error)
	CancelReminders(ctx context.Context, name string) (int, error)
	Status(ctx context.Context) (mvp.Status, error)
	History(ctx context.Context, limit int) ([]storage.Spawn, error)
	Timers() []timer.Handle
	Settings() mvp.Settings
}

// CacheAdmin is the speech cache as seen by /mvp-cache.
type CacheAdmin interface {
	Stats() (speech.Stats, error)
	Clear() (int, error)
}

type Deps struct {
	MVP   Service
	Cache CacheAdmin
	// Alert receives the text alert sent by mvp-announce; nil disables it.
	Alert mvp.Alerter
	Clock clockwork.Clock
	Log   logx.Logger
}

// MaxSuggestions is the Discord limit on autocomplete choices.
const MaxSuggestions = 25

type Choice struct {
	Name  string
	Value string
}

type handlers struct {
	Deps
	log logx.Logger
}

// Register adds every mvp command to r.
func Register(r *Router, d Deps) *Completer {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	h := &handlers{Deps: d, log: d.Log.Component("commands")}
	nome := Option{Name: "nome", Description: "Nome do MVP", Kind: OptString, Required: true, Autocomplete: true}

	r.Register(
		Command{
			Name: "mvp-add", Description: "Adiciona um novo MVP ao sistema", Mutates: true,
			Options: []Option{
				{Name: "nome", Description: "Nome do MVP", Kind: OptString, Required: true},
				{Name: "mapa", Description: "Mapa onde o MVP aparece (opcional)", Kind: OptString},
				{Name: "prioridade", Description: "Prioridade do MVP (0-10, maior = mais importante)", Kind: OptInteger, Min: intPtr(0), Max: intPtr(10)},
				{Name: "mensagem", Description: "Mensagem personalizada para o anúncio", Kind: OptString},
				{Name: "respawn", Description: "Tempo de respawn em minutos", Kind: OptInteger, Min: intPtr(1)},
			},
			Handle: h.add,
		},
		Command{
			Name: "mvp-edit", Description: "Edita um MVP existente", Mutates: true,
			Options: []Option{
				{Name: "nome", Description: "Nome do MVP para editar", Kind: OptString, Required: true, Autocomplete: true},
				{Name: "novo-nome", Description: "Novo nome do MVP", Kind: OptString},
				{Name: "mapa", Description: "Novo mapa", Kind: OptString},
				{Name: "respawn", Description: "Novo tempo de respawn em minutos", Kind: OptInteger, Min: intPtr(1)},
				{Name: "prioridade", Description: "Nova prioridade (0-10)", Kind: OptInteger, Min: intPtr(0), Max: intPtr(10)},
				{Name: "mensagem", Description: "Nova mensagem personalizada", Kind: OptString},
			},
			Handle: h.edit,
		},
		Command{
			Name: "mvp-remove", Description: "Remove um MVP do sistema", Mutates: true,
			Options: []Option{{Name: "nome", Description: "Nome do MVP para remover", Kind: OptString, Required: true, Autocomplete: true}},
			Handle:  h.remove,
		},
		Command{
			Name: "mvp-list", Description: "Lista todos os MVPs cadastrados",
			Options: []Option{{Name: "apenas-ativos", Description: "Mostrar apenas MVPs ativos", Kind: OptBoolean}},
			Handle:  h.list,
		},
		Command{
			Name: "mvp-announce", Description: "Anuncia que um MVP vai nascer em um horário específico", Mutates: true,
			Options: []Option{
				nome,
				{Name: "horario", Description: "Horário que o MVP vai nascer (ex: 21:30 ou 14:45)", Kind: OptString, Required: true},
			},
			Handle: h.announce,
		},
		Command{
			Name: "mvp-kill", Description: "Marca o MVP como morto e cancela o aviso", Mutates: true,
			Options: []Option{nome},
			Handle:  h.kill,
		},
		Command{
			Name: "mvp-cancel", Description: "Cancela os avisos pendentes de um MVP", Mutates: true,
			Options: []Option{nome},
			Handle:  h.cancel,
		},
		Command{Name: "mvp-status", Description: "Mostra status dos MVPs ativos", Handle: h.status},
		Command{
			Name: "mvp-history", Description: "Mostra histórico de spawns",
			Options: []Option{{Name: "limite", Description: "Número de registros para mostrar", Kind: OptInteger, Min: intPtr(mvp.MinHistory), Max: intPtr(mvp.MaxHistory)}},
			Handle:  h.history,
		},
		Command{Name: "mvp-timers", Description: "Mostra timers ativos", Handle: h.timers},
		Command{
			Name: "mvp-cache", Description: "Mostra ou limpa o cache de áudio",
			Options: []Option{{Name: "acao", Description: "stats ou clear", Kind: OptString}},
			Handle:  h.cache,
		},
	)
	return &Completer{svc: d.MVP}
}

func (h *handlers) stamper(req Request) stamper {
	return stamper{surface: req.Surface, loc: h.MVP.Settings().Location, now: h.Clock.Now()}
}

func (h *handlers) add(ctx context.Context, req Request) (Reply, error) {
	prio, err := req.Int("prioridade", 0)
	if err != nil {
		return Reply{}, err
	}
	respawn, err := req.Int("respawn", 0)
	if err != nil {
		return Reply{}, err
	}
	b, err := h.MVP.AddBoss(ctx, mvp.NewBoss{
		Name:           req.String("nome"),
		Map:            req.String("mapa"),
		Priority:       prio,
		RespawnMinutes: respawn,
		CustomMessage:  req.String("mensagem"),
	})
	if err != nil {
		return Reply{}, err
	}
	var extra string
	if req.Has("mapa") {
		extra = fmt.Sprintf("📍 Mapa: %s\n", b.Map)
	}
	rep := success("MVP **%s** adicionado com sucesso!\n%s⭐ Prioridade: %d", b.Name, extra, b.Priority)
	rep.Ephemeral = true
	return rep, nil
}

func (h *handlers) edit(ctx context.Context, req Request) (Reply, error) {
	var patch storage.BossPatch
	if v := req.String("novo-nome"); v != "" {
		patch.Name = &v
	}
	if v := req.String("mapa"); v != "" {
		patch.Map = &v
	}
	if req.Has("respawn") {
		n, err := req.Int("respawn", 0)
		if err != nil {
			return Reply{}, err
		}
		patch.RespawnMinutes = &n
	}
	if req.Has("prioridade") {
		n, err := req.Int("prioridade", 0)
		if err != nil {
			return Reply{}, err
		}
		patch.Priority = &n
	}
	if v := req.String("mensagem"); v != "" {
		patch.CustomMessage = &v
	}
	b, err := h.MVP.EditBoss(ctx, req.String("nome"), patch)
	if err != nil {
		return Reply{}, err
	}
	rep := success("MVP **%s** atualizado com sucesso!", b.Name)
	rep.Ephemeral = true
	return rep, nil
}

func (h *handlers) remove(ctx context.Context, req Request) (Reply, error) {
	b, err := h.MVP.RemoveBoss(ctx, req.String("nome"))
	if err != nil {
		return Reply{}, err
	}
	rep := success("MVP **%s** removido com sucesso!", b.Name)
	rep.Ephemeral = true
	return rep, nil
}

func (h *handlers) list(ctx context.Context, req Request) (Reply, error) {
	bosses, err := h.MVP.ListBosses(ctx, req.Bool("apenas-ativos"))
	if err != nil {
		return Reply{}, err
	}
	if len(bosses) == 0 {
		return Reply{Text: "📋 Nenhum MVP cadastrado ainda.", Ephemeral: true}, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📋 **MVPs Cadastrados (%d)**\n\n", len(bosses))
	for i, m := range bosses {
		status := "✅"
		if !m.Active {
			status = "❌"
		}
		fmt.Fprintf(&b, "%d. %s **%s** %s\n   📍 %s | ⏱️ %dmin\n", i+1, status, m.Name, stars(m.Priority), m.Map, m.RespawnMinutes)
	}
	return Reply{Text: b.String()}, nil
}

func (h *handlers) announce(ctx context.Context, req Request) (Reply, error) {
	clock := req.String("horario")
	res, err := h.MVP.Announce(ctx, mvp.AnnounceRequest{
		Name:     req.String("nome"),
		Clock:    clock,
		UserID:   req.UserID,
		Username: req.Username,
	})
	if err != nil {
		return Reply{}, err
	}

	if h.Alert != nil {
		if err := h.Alert.SendAlert(ctx, AnnounceAlert(res, strings.TrimSpace(clock), h.MVP.Settings().Location)); err != nil {
			h.log.Warn("announce alert failed", logx.String("boss", res.Boss.Name), logx.Err(err))
		}
	}

	st := h.stamper(req)
	var b strings.Builder
	fmt.Fprintf(&b, "MVP **%s** agendado para **%s**!\n", res.Boss.Name, strings.TrimSpace(clock))
	fmt.Fprintf(&b, "⏲️ Horário de respawn: %s\n", st.at(res.RespawnAt, 't'))
	if res.Armed {
		fmt.Fprintf(&b, "📢 Anúncio será feito às: %s\n", st.at(res.AnnounceAt, 't'))
	} else {
		b.WriteString("📢 Anúncio feito agora: o respawn já está dentro da janela de aviso\n")
	}
	fmt.Fprintf(&b, "⏰ Faltam **%d minutos**", res.MinutesLeft)
	if res.Created {
		b.WriteString("\n📝 MVP criado automaticamente.")
	}
	return success("%s", b.String()), nil
}

func (h *handlers) kill(ctx context.Context, req Request) (Reply, error) {
	sp, err := h.MVP.Kill(ctx, req.String("nome"))
	if err != nil {
		return Reply{}, err
	}
	return success("MVP **%s** marcado como morto! 💀", sp.Boss.Name), nil
}

func (h *handlers) cancel(ctx context.Context, req Request) (Reply, error) {
	name := req.String("nome")
	n, err := h.MVP.CancelReminders(ctx, name)
	if err != nil {
		return Reply{}, err
	}
	return success("%d aviso(s) cancelado(s) para **%s**", n, name), nil
}

func (h *handlers) status(ctx context.Context, req Request) (Reply, error) {
	st, err := h.MVP.Status(ctx)
	if err != nil {
		return Reply{}, err
	}
	if len(st.Alive) == 0 && len(st.Upcoming) == 0 {
		return Reply{Text: "📊 Nenhum MVP ativo no momento."}, nil
	}
	ts := h.stamper(req)
	var b strings.Builder
	b.WriteString("📊 **Status dos MVPs**\n\n")
	if len(st.Alive) > 0 {
		b.WriteString("🔴 **MVPs Vivos:**\n")
		for _, sp := range st.Alive {
			ago := int(st.Now.Sub(sp.SpawnedAt) / time.Minute)
			fmt.Fprintf(&b, "• **%s** (%s)\n  Vivo há %d minutos\n", sp.Boss.Name, sp.Boss.Map, ago)
			if sp.ExpectedRespawn != nil {
				fmt.Fprintf(&b, "  Respawn previsto: %s\n", ts.at(*sp.ExpectedRespawn, 'R'))
			}
		}
		b.WriteString("\n")
	}
	if len(st.Upcoming) > 0 {
		b.WriteString("⏰ **Próximos Respawns:**\n")
		for _, sp := range st.Upcoming {
			fmt.Fprintf(&b, "• **%s**: %s\n", sp.Boss.Name, ts.at(*sp.ExpectedRespawn, 'R'))
		}
	}
	return Reply{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (h *handlers) history(ctx context.Context, req Request) (Reply, error) {
	limit, err := req.Int("limite", mvp.DefaultHistory)
	if err != nil {
		return Reply{}, err
	}
	spawns, err := h.MVP.History(ctx, limit)
	if err != nil {
		return Reply{}, err
	}
	if len(spawns) == 0 {
		return Reply{Text: "📜 Nenhum histórico de spawns ainda."}, nil
	}
	ts := h.stamper(req)
	var b strings.Builder
	fmt.Fprintf(&b, "📜 **Histórico de Spawns (%d)**\n\n", len(spawns))
	for _, sp := range spawns {
		mark := "✅"
		if sp.KilledAt != nil {
			mark = "💀"
		}
		fmt.Fprintf(&b, "%s **%s** - %s\n", mark, sp.Boss.Name, ts.at(sp.SpawnedAt, 'f'))
		if sp.Username != "" {
			fmt.Fprintf(&b, "   Anunciado por: %s\n", sp.Username)
		}
		b.WriteString("\n")
	}
	return Reply{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (h *handlers) timers(_ context.Context, req Request) (Reply, error) {
	hs := h.MVP.Timers()
	if len(hs) == 0 {
		return Reply{Text: "⏰ Nenhum timer ativo no momento."}, nil
	}
	ts := h.stamper(req)
	var b strings.Builder
	fmt.Fprintf(&b, "⏰ **Timers Ativos (%d)**\n\n", len(hs))
	for _, t := range hs {
		fmt.Fprintf(&b, "• **%s**: %s\n", t.Name, ts.at(t.FireAt, 'R'))
	}
	return Reply{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (h *handlers) cache(_ context.Context, req Request) (Reply, error) {
	if h.Cache == nil {
		return Reply{}, errs.Validation("Cache de áudio indisponível")
	}
	switch action := strings.ToLower(req.String("acao")); action {
	case "", "stats":
		st, err := h.Cache.Stats()
		if err != nil {
			return Reply{}, err
		}
		return Reply{Text: fmt.Sprintf("🗂️ Cache de áudio: %d arquivo(s), %s", st.Files, humanize.IBytes(uint64(st.Bytes))), Ephemeral: true}, nil
	case "clear":
		if req.ReadOnly {
			return Reply{}, errs.Validation("Você não tem permissão para usar este comando")
		}
		n, err := h.Cache.Clear()
		if err != nil {
			return Reply{}, err
		}
		return Reply{Text: fmt.Sprintf("🧹 %d arquivo(s) removido(s) do cache", n), Ephemeral: true}, nil
	default:
		return Reply{}, errs.Validation("Ação desconhecida %q: use stats ou clear", action)
	}
}

// Completer answers autocomplete queries for boss names.
type Completer struct {
	svc Service
}

// Complete returns active bosses whose name contains query, ignoring case.
func (c *Completer) Complete(ctx context.Context, query string) ([]Choice, error) {
	bosses, err := c.svc.SearchBosses(ctx, query, MaxSuggestions)
	if err != nil {
		return nil, err
	}
	out := make([]Choice, 0, len(bosses))
	for _, b := range bosses {
		out = append(out, Choice{Name: fmt.Sprintf("%s (%s)", b.Name, b.Map), Value: b.Name})
	}
	return out, nil
}
