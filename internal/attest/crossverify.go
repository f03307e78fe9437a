package attest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/attestor/internal/keystore"
	"github.com/dropDatabas3/attestor/internal/metrics"
	"github.com/dropDatabas3/attestor/internal/observability/logger"
	"github.com/dropDatabas3/attestor/internal/toolrunner"
)

// Tool describe una herramienta JWT externa usada para cross-verificación.
// La herramienta recibe args fijos + la ruta a un JWK público + el token, y
// vota con su exit code: 0 = firma válida, distinto de cero = inválida.
type Tool struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	// Timeout por invocación. Default 10s.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Recommendation es el veredicto agregado del consenso.
type Recommendation string

const (
	RecommendTrusted      Recommendation = "trusted"
	RecommendDoNotTrust   Recommendation = "do-not-trust"
	RecommendManualReview Recommendation = "manual-review"
)

// Consensus agrega los votos de las herramientas externas.
//
// Confidence es la fracción del veredicto mayoritario sobre el total de
// herramientas configuradas: las no disponibles degradan la confianza sin
// abortar la operación. Un empate o mayoría débil (<0.8) pide revisión
// manual en vez de inventar certeza.
type Consensus struct {
	ToolsTotal     int            `json:"toolsTotal"`
	Valid          int            `json:"valid"`
	Invalid        int            `json:"invalid"`
	Unavailable    int            `json:"unavailable"`
	Confidence     float64        `json:"confidence"`
	Recommendation Recommendation `json:"recommendation"`
	Votes          []ToolVote     `json:"votes,omitempty"`
}

// ToolVote es el resultado de una herramienta individual.
type ToolVote struct {
	Tool    string `json:"tool"`
	Verdict string `json:"verdict"` // valid | invalid | unavailable
	Detail  string `json:"detail,omitempty"`
}

const consensusThreshold = 0.8

// CrossVerifier somete un token a herramientas JWT independientes y arma un
// consenso. Complementa la verificación propia; nunca la reemplaza.
type CrossVerifier struct {
	runner toolrunner.Runner
	tools  []Tool
	log    *zap.Logger
}

// NewCrossVerifier crea un CrossVerifier. Con runner nil usa el local.
func NewCrossVerifier(runner toolrunner.Runner, tools []Tool, log *zap.Logger) *CrossVerifier {
	if runner == nil {
		runner = toolrunner.NewLocal()
	}
	if log == nil {
		log = logger.Named("crossverify")
	}
	return &CrossVerifier{runner: runner, tools: tools, log: log}
}

// CrossVerify corre todas las herramientas configuradas sobre el token.
// jwk es la clave pública con la que cada herramienta debe verificar; se
// materializa en un archivo temporal 0600 que se borra al terminar.
//
// Ninguna falla de herramienta aborta: timeout y binario ausente cuentan
// como "unavailable" y solo bajan la confianza.
func (cv *CrossVerifier) CrossVerify(ctx context.Context, token string, jwk keystore.JWK) (*Consensus, error) {
	if len(cv.tools) == 0 {
		return nil, errors.New("cross-verificación sin herramientas configuradas")
	}

	jwkPath, cleanup, err := writeTempJWK(jwk)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	cons := &Consensus{ToolsTotal: len(cv.tools)}
	for _, tool := range cv.tools {
		vote := cv.runTool(ctx, tool, jwkPath, token)
		cons.Votes = append(cons.Votes, vote)
		switch vote.Verdict {
		case "valid":
			cons.Valid++
		case "invalid":
			cons.Invalid++
		default:
			cons.Unavailable++
		}
	}

	major := cons.Valid
	if cons.Invalid > major {
		major = cons.Invalid
	}
	cons.Confidence = float64(major) / float64(cons.ToolsTotal)

	switch {
	case cons.Valid > cons.Invalid && cons.Confidence >= consensusThreshold:
		cons.Recommendation = RecommendTrusted
	case cons.Invalid > cons.Valid && cons.Confidence >= consensusThreshold:
		cons.Recommendation = RecommendDoNotTrust
	default:
		cons.Recommendation = RecommendManualReview
	}
	return cons, nil
}

func (cv *CrossVerifier) runTool(ctx context.Context, tool Tool, jwkPath, token string) ToolVote {
	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, tool.Args...), jwkPath, token)
	res, err := cv.runner.Run(tctx, tool.Command, args...)
	switch {
	case errors.Is(err, toolrunner.ErrToolTimeout):
		metrics.CrossVerifyToolFailures.WithLabelValues(tool.Name, "timeout").Inc()
		cv.log.Warn("herramienta externa agotó el timeout",
			logger.Tool(tool.Name), logger.Duration(timeout))
		return ToolVote{Tool: tool.Name, Verdict: "unavailable", Detail: "timeout"}
	case err != nil:
		metrics.CrossVerifyToolFailures.WithLabelValues(tool.Name, "unavailable").Inc()
		cv.log.Warn("herramienta externa no disponible",
			logger.Tool(tool.Name), logger.Err(err))
		return ToolVote{Tool: tool.Name, Verdict: "unavailable", Detail: err.Error()}
	case res.ExitCode == 0:
		return ToolVote{Tool: tool.Name, Verdict: "valid"}
	default:
		return ToolVote{Tool: tool.Name, Verdict: "invalid", Detail: fmt.Sprintf("exit %d", res.ExitCode)}
	}
}

// writeTempJWK escribe el JWK público en un archivo temporal 0600 y retorna
// la ruta más el cleanup.
func writeTempJWK(jwk keystore.JWK) (string, func(), error) {
	data, err := json.Marshal(jwk.Public())
	if err != nil {
		return "", nil, fmt.Errorf("marshal jwk: %w", err)
	}
	dir, err := os.MkdirTemp("", "attestor-jwk-*")
	if err != nil {
		return "", nil, err
	}
	path := filepath.Join(dir, "key.jwk.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		os.RemoveAll(dir)
		return "", nil, err
	}
	return path, func() { os.RemoveAll(dir) }, nil
}
