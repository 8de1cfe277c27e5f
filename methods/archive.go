package methods

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archiver/v3"
)

// ArchiveFiles 将文件或目录打包为 tar.gz，已存在的目标文件会被覆盖
func ArchiveFiles(sources []string, dest string) error {
	lower := strings.ToLower(dest)
	if !strings.HasSuffix(lower, ".tar.gz") && !strings.HasSuffix(lower, ".tgz") {
		return fmt.Errorf("archive destination must end with .tar.gz: %s", dest)
	}
	if err := os.MkdirAll(filepath.Dir(dest), os.ModePerm); err != nil {
		return err
	}
	tgz := archiver.NewTarGz()
	tgz.OverwriteExisting = true
	if err := tgz.Archive(sources, dest); err != nil {
		return fmt.Errorf("archive %s: %w", dest, err)
	}
	return nil
}

// ExtractArchive 解压到目录
func ExtractArchive(src, dest string) error {
	if err := os.MkdirAll(dest, os.ModePerm); err != nil {
		return err
	}
	return archiver.Unarchive(src, dest)
}
