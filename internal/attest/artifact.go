package attest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dropDatabas3/attestor/internal/canonical"
)

// DescribeArtifact lee el artefacto y arma su descriptor. Retorna también
// los bytes leídos para que el caller no vuelva a tocar el disco.
func DescribeArtifact(path string) (Artifact, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Artifact{}, nil, fmt.Errorf("read artifact %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, nil, fmt.Errorf("stat artifact %s: %w", path, err)
	}
	return Artifact{
		Path:         filepath.Clean(path),
		Name:         filepath.Base(path),
		ContentHash:  canonical.HashBytes(data),
		Size:         int64(len(data)),
		Type:         typeForExt(filepath.Ext(path)),
		LastModified: info.ModTime().UTC(),
	}, data, nil
}

// typeForExt mapea extensiones comunes a media types. La detección fina de
// formatos de archivo es un colaborador externo, fuera de este módulo.
func typeForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".js", ".mjs":
		return "application/javascript"
	case ".ts":
		return "application/typescript"
	case ".json":
		return "application/json"
	case ".yaml", ".yml":
		return "application/yaml"
	case ".html", ".htm":
		return "text/html"
	case ".css":
		return "text/css"
	case ".md":
		return "text/markdown"
	case ".txt":
		return "text/plain"
	case ".go":
		return "text/x-go"
	case ".py":
		return "text/x-python"
	default:
		return "application/octet-stream"
	}
}
