// Repository fetching from a Gitea instance: requests a tar.gz archive of
// the declared ref and extracts it, stripping the single top-level
// directory Gitea wraps every archive in.
package forge

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"code.gitea.io/sdk/gitea"
	"github.com/sirupsen/logrus"
)

// GiteaFetcher implements Fetcher against a Gitea instance's archive API.
type GiteaFetcher struct {
	Log *logrus.Entry
}

// Fetch downloads spec's repository at spec.Ref as a tar.gz archive and
// extracts it into destDir. spec.URL is the Gitea instance base URL;
// spec.Name is interpreted as "owner/repo".
func (f GiteaFetcher) Fetch(spec Spec, destDir string) error {
	owner, repo, err := splitOwnerRepo(spec.Name)
	if err != nil {
		return fmt.Errorf("forge: gitea: %w", err)
	}

	client, err := gitea.NewClient(spec.URL, gitea.SetToken(spec.Token))
	if err != nil {
		return fmt.Errorf("forge: gitea: creating client for %s: %w", spec.URL, err)
	}

	ref := spec.Ref
	if ref == "" {
		ref = "main"
	}
	reader, resp, err := client.GetArchiveReader(owner, repo, ref, gitea.TarGZArchive)
	if err != nil {
		return fmt.Errorf("forge: gitea: requesting archive for %s@%s: %w", spec.Name, ref, err)
	}
	defer resp.Body.Close()

	if err := extractTarGZStripTop(reader, destDir); err != nil {
		return fmt.Errorf("forge: gitea: extracting archive for %s@%s: %w", spec.Name, ref, err)
	}
	return nil
}

func splitOwnerRepo(name string) (owner, repo string, err error) {
	parts := strings.SplitN(name, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository name %q must be \"owner/repo\"", name)
	}
	return parts[0], parts[1], nil
}

// extractTarGZStripTop extracts a gzip-compressed tar archive into
// destDir, dropping each entry's first path segment (the commit/ref-named
// directory Gitea wraps every archive in) so destDir mirrors the
// repository root.
func extractTarGZStripTop(r io.Reader, destDir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}

		rel := stripTopSegment(hdr.Name)
		if rel == "" {
			continue
		}
		target := filepath.Join(destDir, rel)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}

func stripTopSegment(name string) string {
	name = strings.TrimPrefix(name, "./")
	parts := strings.SplitN(name, "/", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
