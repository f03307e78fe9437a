package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dropDatabas3/attestor/internal/attest"
	"github.com/dropDatabas3/attestor/internal/cache"
	memcache "github.com/dropDatabas3/attestor/internal/cache/memory"
	rediscache "github.com/dropDatabas3/attestor/internal/cache/redis"
	"github.com/dropDatabas3/attestor/internal/canonical"
	"github.com/dropDatabas3/attestor/internal/config"
	"github.com/dropDatabas3/attestor/internal/httpapi"
	"github.com/dropDatabas3/attestor/internal/keystore"
	"github.com/dropDatabas3/attestor/internal/metrics"
	"github.com/dropDatabas3/attestor/internal/observability/logger"
	"github.com/dropDatabas3/attestor/internal/security/secretbox"
)

const version = "1.0.0"

// app agrupa las dependencias compartidas por los subcomandos. Se arma en
// el PersistentPreRun del root, después de cargar config y logger.
type app struct {
	cfg   *config.Config
	store *keystore.Store
}

func (a *app) openStore() (*keystore.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	box, err := openBox(a.cfg)
	if err != nil {
		return nil, err
	}
	s, err := keystore.Open(keystore.Options{
		Dir:          a.cfg.Keys.Dir,
		Box:          box,
		KeyTTL:       a.cfg.KeyTTL(),
		RotationWarn: a.cfg.RotationWarn(),
	})
	if err != nil {
		return nil, err
	}
	a.store = s
	return s, nil
}

// openBox arma el cifrador de material en reposo. Sin master key el store
// opera en plaintext 0600; se avisa una vez y se sigue.
func openBox(cfg *config.Config) (*secretbox.Box, error) {
	if cfg.Security.MasterKey != "" {
		raw, err := base64.StdEncoding.DecodeString(cfg.Security.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("master key inválida: %w", err)
		}
		return secretbox.New(raw)
	}
	box, err := secretbox.FromEnv()
	if errors.Is(err, secretbox.ErrNoMasterKey) {
		logger.L().Warn("sin master key: material privado en disco sin cifrar (solo 0600)")
		return nil, nil
	}
	return box, err
}

func (a *app) newSigner() (*attest.Signer, error) {
	s, err := a.openStore()
	if err != nil {
		return nil, err
	}
	return attest.NewSigner(s, attest.SignerOptions{
		Issuer:   a.cfg.Signing.Issuer,
		Audience: a.cfg.Signing.Audience,
		TokenTTL: a.cfg.TokenTTL(),
	}), nil
}

func (a *app) newVerifier() (*attest.Verifier, error) {
	s, err := a.openStore()
	if err != nil {
		return nil, err
	}
	return attest.NewVerifier(s, attest.VerifierOptions{
		Issuer:   a.cfg.Signing.Issuer,
		Audience: a.cfg.Signing.Audience,
		Leeway:   a.cfg.Leeway(),
		Cache:    buildCache(a.cfg),
	}), nil
}

func (a *app) newCrossVerifier() *attest.CrossVerifier {
	if len(a.cfg.Verify.Tools) == 0 {
		return nil
	}
	tools := make([]attest.Tool, 0, len(a.cfg.Verify.Tools))
	for _, t := range a.cfg.Verify.Tools {
		var timeout time.Duration
		if t.Timeout != "" {
			timeout, _ = time.ParseDuration(t.Timeout)
		}
		tools = append(tools, attest.Tool{
			Name:    t.Name,
			Command: t.Command,
			Args:    t.Args,
			Timeout: timeout,
		})
	}
	return attest.NewCrossVerifier(nil, tools, nil)
}

func (a *app) newOrchestrator() (*attest.Orchestrator, error) {
	signer, err := a.newSigner()
	if err != nil {
		return nil, err
	}
	verifier, err := a.newVerifier()
	if err != nil {
		return nil, err
	}
	return attest.NewOrchestrator(signer, verifier, a.newCrossVerifier()), nil
}

func buildCache(cfg *config.Config) cache.Cache {
	switch cfg.Cache.Kind {
	case "redis":
		return rediscache.New(cfg.Cache.Redis.Addr, cfg.Cache.Redis.DB, cfg.Cache.Redis.Prefix)
	case "off":
		return nil
	default:
		ttl, _ := time.ParseDuration(cfg.Cache.Memory.DefaultTTL)
		return memcache.New(ttl)
	}
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func main() {
	var (
		configPath string
		envFile    string
	)
	a := &app{}

	root := &cobra.Command{
		Use:           "attestor",
		Short:         "Atestación de procedencia de artefactos (JWS multi-algoritmo + digest legacy)",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				_ = godotenv.Load(envFile)
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			a.cfg = cfg
			logger.Init(logger.Config{
				Env:         cfg.App.Env,
				ServiceName: "attestor",
				Version:     version,
			})
			return metrics.Register(nil)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "ruta a config.yaml (opcional)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "ruta a .env")

	root.AddCommand(
		keysCmd(a),
		attestCmd(a),
		verifyCmd(a),
		migrateCmd(a),
		compareCmd(a),
		jwksCmd(a),
		serveCmd(a),
		genMasterKeyCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

// ───────── keys ─────────

func keysCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "keys", Short: "Ciclo de vida de claves de firma"}

	// generate
	var genAlg, genPurpose string
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Genera una clave nueva y la deja activa para su algoritmo",
		RunE: func(cmd *cobra.Command, args []string) error {
			alg, err := keystore.ParseAlgorithm(genAlg)
			if err != nil {
				return err
			}
			s, err := a.openStore()
			if err != nil {
				return err
			}
			rec, err := s.GenerateKey(alg, genPurpose)
			if err != nil {
				return err
			}
			printJSON(map[string]any{
				"keyId":       rec.KeyID,
				"algorithm":   rec.Algorithm,
				"fingerprint": rec.Fingerprint,
				"expires":     rec.Expires,
			})
			return nil
		},
	}
	generate.Flags().StringVar(&genAlg, "alg", "EdDSA", "algoritmo: EdDSA|RS256|RS384|RS512")
	generate.Flags().StringVar(&genPurpose, "purpose", "attestation", "propósito de la clave")

	// list
	var listAlg, listStatus, listPurpose string
	list := &cobra.Command{
		Use:   "list",
		Short: "Lista claves con estado derivado (vencimiento, rotación pendiente)",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore()
			if err != nil {
				return err
			}
			var f keystore.ListFilter
			if listAlg != "" {
				alg, err := keystore.ParseAlgorithm(listAlg)
				if err != nil {
					return err
				}
				f.Algorithm = alg
			}
			f.Status = keystore.KeyStatus(listStatus)
			f.Purpose = listPurpose
			infos, err := s.ListKeys(f)
			if err != nil {
				return err
			}
			printJSON(infos)
			return nil
		},
	}
	list.Flags().StringVar(&listAlg, "alg", "", "filtrar por algoritmo")
	list.Flags().StringVar(&listStatus, "status", "", "filtrar por estado: active|rotated|revoked|expired")
	list.Flags().StringVar(&listPurpose, "purpose", "", "filtrar por propósito")

	// rotate
	var rotKid, rotAlg string
	rotate := &cobra.Command{
		Use:   "rotate",
		Short: "Rota una clave: genera reemplazo y repunta la tabla activa",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore()
			if err != nil {
				return err
			}
			kid := rotKid
			if kid == "" {
				if rotAlg == "" {
					return fmt.Errorf("--kid o --alg es requerido")
				}
				alg, err := keystore.ParseAlgorithm(rotAlg)
				if err != nil {
					return err
				}
				rec, err := s.ActiveKey(alg)
				if err != nil {
					return err
				}
				kid = rec.KeyID
			}
			newRec, err := s.RotateKey(kid)
			if err != nil {
				return err
			}
			printJSON(map[string]any{"rotated": kid, "replacement": newRec.KeyID})
			return nil
		},
	}
	rotate.Flags().StringVar(&rotKid, "kid", "", "keyId a rotar")
	rotate.Flags().StringVar(&rotAlg, "alg", "", "rotar la clave activa de este algoritmo")

	// revoke
	var revKid, revReason string
	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Revoca una clave (queda verificable, nunca vuelve a firmar)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if revKid == "" {
				return fmt.Errorf("--kid es requerido")
			}
			s, err := a.openStore()
			if err != nil {
				return err
			}
			if err := s.RevokeKey(revKid, revReason); err != nil {
				return err
			}
			printJSON(map[string]any{"revoked": revKid})
			return nil
		},
	}
	revoke.Flags().StringVar(&revKid, "kid", "", "keyId a revocar")
	revoke.Flags().StringVar(&revReason, "reason", "", "motivo de la revocación")

	// delete
	var delKid string
	var delConfirm bool
	del := &cobra.Command{
		Use:   "delete",
		Short: "Elimina una clave de disco (irreversible, exige --confirm)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if delKid == "" {
				return fmt.Errorf("--kid es requerido")
			}
			s, err := a.openStore()
			if err != nil {
				return err
			}
			if err := s.DeleteKey(delKid, delConfirm); err != nil {
				return err
			}
			printJSON(map[string]any{"deleted": delKid})
			return nil
		},
	}
	del.Flags().StringVar(&delKid, "kid", "", "keyId a eliminar")
	del.Flags().BoolVar(&delConfirm, "confirm", false, "confirmación explícita")

	// export
	var expKid, expFormat string
	var expPrivate bool
	export := &cobra.Command{
		Use:   "export",
		Short: "Exporta una clave en JWK o PEM",
		RunE: func(cmd *cobra.Command, args []string) error {
			if expKid == "" {
				return fmt.Errorf("--kid es requerido")
			}
			s, err := a.openStore()
			if err != nil {
				return err
			}
			out, err := s.ExportKey(expKid, keystore.ExportFormat(expFormat), expPrivate)
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	export.Flags().StringVar(&expKid, "kid", "", "keyId a exportar")
	export.Flags().StringVar(&expFormat, "format", "jwk", "formato: jwk|pem")
	export.Flags().BoolVar(&expPrivate, "private", false, "incluir material privado")

	// import
	var impFile, impPurpose string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Importa una clave privada externa (PEM PKCS#8 o JWK)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if impFile == "" {
				return fmt.Errorf("--file es requerido")
			}
			data, err := os.ReadFile(impFile)
			if err != nil {
				return err
			}
			s, err := a.openStore()
			if err != nil {
				return err
			}
			rec, err := s.ImportKey(data, impPurpose)
			if err != nil {
				return err
			}
			printJSON(map[string]any{"keyId": rec.KeyID, "algorithm": rec.Algorithm})
			return nil
		},
	}
	imp.Flags().StringVar(&impFile, "file", "", "archivo con la clave")
	imp.Flags().StringVar(&impPurpose, "purpose", "attestation", "propósito de la clave")

	// health
	health := &cobra.Command{
		Use:   "health",
		Short: "Reporte de salud del keystore",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore()
			if err != nil {
				return err
			}
			report, err := s.CheckKeyHealth()
			if err != nil {
				return err
			}
			printJSON(report)
			if !report.Healthy() {
				return fmt.Errorf("keystore no saludable")
			}
			return nil
		},
	}

	cmd.AddCommand(generate, list, rotate, revoke, del, export, imp, health)
	return cmd
}

// ───────── atestación ─────────

func attestCmd(a *app) *cobra.Command {
	var (
		format       string
		alg          string
		operationID  string
		generator    string
		generatorVer string
		templatePath string
		crossVerify  bool
		noSidecar    bool
	)
	cmd := &cobra.Command{
		Use:   "attest <artifact>",
		Short: "Genera la atestación de un artefacto y escribe el sidecar",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.newOrchestrator()
			if err != nil {
				return err
			}
			f, err := attest.ParseFormat(format)
			if err != nil {
				return err
			}
			var algorithm keystore.Algorithm
			if alg != "" {
				if algorithm, err = keystore.ParseAlgorithm(alg); err != nil {
					return err
				}
			}
			if operationID == "" {
				operationID = uuid.NewString()
			}
			gen := attest.Generation{
				OperationID: operationID,
				Generator:   attest.Generator{Name: generator, Version: generatorVer},
			}
			if templatePath != "" {
				tpl, err := os.ReadFile(templatePath)
				if err != nil {
					return fmt.Errorf("leer template: %w", err)
				}
				gen.TemplatePath = templatePath
				gen.TemplateHash = canonical.HashBytes(tpl)
			}
			att, err := o.Generate(context.Background(), args[0], gen, attest.GenerateOptions{
				Format:       f,
				Algorithm:    algorithm,
				WriteSidecar: !noSidecar,
				CrossVerify:  crossVerify,
			})
			if err != nil {
				return err
			}
			printJSON(att)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "comprehensive", "formato: comprehensive|jws-only|legacy-only")
	cmd.Flags().StringVar(&alg, "alg", "", "algoritmo para jws-only (default EdDSA)")
	cmd.Flags().StringVar(&operationID, "operation-id", "", "identificador de la operación (default: uuid)")
	cmd.Flags().StringVar(&generator, "generator", "attestor", "nombre del generador")
	cmd.Flags().StringVar(&generatorVer, "generator-version", version, "versión del generador")
	cmd.Flags().StringVar(&templatePath, "template", "", "template usado para generar el artefacto (opcional)")
	cmd.Flags().BoolVar(&crossVerify, "cross-verify", false, "someter la firma a herramientas externas")
	cmd.Flags().BoolVar(&noSidecar, "no-sidecar", false, "no escribir <artifact>.attest.json")
	return cmd
}

func verifyCmd(a *app) *cobra.Command {
	var skipLegacy bool
	cmd := &cobra.Command{
		Use:   "verify <artifact>",
		Short: "Verifica la atestación sidecar contra el artefacto en disco",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.newOrchestrator()
			if err != nil {
				return err
			}
			res, err := o.Verify(context.Background(), args[0], attest.VerifyOptions{SkipLegacy: skipLegacy})
			if err != nil {
				return err
			}
			printJSON(res)
			if !res.Valid {
				return fmt.Errorf("verificación fallida")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipLegacy, "skip-legacy", false, "omitir el recomputo del digest legacy")
	return cmd
}

func migrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <artifact>",
		Short: "Migra una atestación legacy-only a comprehensive (backup en .bak)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.newOrchestrator()
			if err != nil {
				return err
			}
			att, err := o.MigrateLegacy(context.Background(), args[0])
			if err != nil {
				return err
			}
			printJSON(att)
			return nil
		},
	}
}

func compareCmd(a *app) *cobra.Command {
	var (
		operationID  string
		generator    string
		generatorVer string
	)
	cmd := &cobra.Command{
		Use:   "compare <artifact>",
		Short: "Emite los tres formatos para un artefacto y compara tamaño y garantías",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.newOrchestrator()
			if err != nil {
				return err
			}
			if operationID == "" {
				operationID = uuid.NewString()
			}
			gen := attest.Generation{
				OperationID: operationID,
				Generator:   attest.Generator{Name: generator, Version: generatorVer},
			}
			reports, err := o.CompareFormats(context.Background(), args[0], gen)
			if err != nil {
				return err
			}
			printJSON(reports)
			return nil
		},
	}
	cmd.Flags().StringVar(&operationID, "operation-id", "", "identificador de la operación (default: uuid)")
	cmd.Flags().StringVar(&generator, "generator", "attestor", "nombre del generador")
	cmd.Flags().StringVar(&generatorVer, "generator-version", version, "versión del generador")
	return cmd
}

func jwksCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "jwks",
		Short: "Imprime el JWKS público (claves activas y rotadas)",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore()
			if err != nil {
				return err
			}
			set, err := s.JWKSet()
			if err != nil {
				return err
			}
			printJSON(set)
			return nil
		},
	}
}

func serveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Sirve JWKS, salud de claves y métricas; rotación programada si hay schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore()
			if err != nil {
				return err
			}
			if sched := a.cfg.Keys.RotationSchedule; sched != "" {
				rot, err := keystore.NewRotator(s, sched)
				if err != nil {
					return fmt.Errorf("rotation schedule: %w", err)
				}
				rot.Start()
				defer rot.Stop()
			}
			srv := httpapi.New(s, buildCache(a.cfg))
			return srv.Start(a.cfg.Server.Addr)
		},
	}
}

func genMasterKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-master-key",
		Short: "Genera una master key nueva para " + secretbox.EnvMasterKey,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := secretbox.GenerateMasterKey()
			if err != nil {
				return err
			}
			fmt.Println(k)
			return nil
		},
	}
}
