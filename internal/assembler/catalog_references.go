package assembler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dmsdk/internal/appackage"
	"dmsdk/internal/catalogref"
	"dmsdk/internal/ctxlog"
	"dmsdk/internal/domain"
)

// addCatalogReferences downloads every item declared in
// PackageContent/CatalogReferences.xml. A missing or malformed declaration
// skips the phase; a failed download skips only that reference.
func (a Assembler) addCatalogReferences(ctx context.Context, data domain.PackageCreationData, pkg *appackage.Package) error {
	logger := ctxlog.FromContext(ctx)
	refs, err := catalogref.Load(catalogref.Path(data.Project.Directory))
	if err != nil {
		var ce *domain.ConfigurationError
		if errors.As(err, &ce) {
			if errors.Is(err, domain.ErrDeclarationNotFound) {
				logger.Debug("no catalog references declared", "project", data.Project.Name)
			} else {
				logger.Warn(err.Error(), "project", data.Project.Name)
			}
			return nil
		}
		return err
	}
	if len(refs) == 0 {
		return nil
	}
	if a.Downloader == nil {
		logger.Warn("catalog references declared but no catalog downloader configured", "project", data.Project.Name, "count", len(refs))
		return nil
	}
	if data.TemporaryDirectory == "" {
		return errTemporaryDirectoryNotSet
	}

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, err := a.Downloader.Download(ctx, ref.Identifier, data.CatalogDownloadKey)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("failed to download catalog reference", "name", ref.DisplayName, "reference", ref.Identifier.String(), "error", err)
			continue
		}
		name := safeFileName(ref.DisplayName)
		var dest string
		switch item.Type {
		case domain.CatalogItemDmapp:
			dest = filepath.Join(data.TemporaryDirectory, "CatalogReferences", ref.Identifier.ID.String(), fmt.Sprintf("%s.%s.dmapp", name, item.Version))
		case domain.CatalogItemProtocol:
			dest = filepath.Join(data.TemporaryDirectory, "CatalogReferences", ref.Identifier.ID.String(), fmt.Sprintf("%s.%s.zip", name, item.Version))
		default:
			logger.Error("unsupported catalog item type", "name", ref.DisplayName, "type", item.Type)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dest, item.Content, 0o644); err != nil {
			return err
		}
		if item.Type == domain.CatalogItemDmapp {
			pkg.AddSubPackage(dest)
		} else {
			pkg.AddProtocol(dest)
		}
		logger.Info("added catalog reference", "name", ref.DisplayName, "version", item.Version, "type", item.Type)
	}
	return nil
}

// safeFileName replaces characters that are invalid in Windows file names.
func safeFileName(name string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(`<>:"/\|?*`, r) || r < 32 {
			return '_'
		}
		return r
	}, name)
}
