// Repository fetching from a GitLab instance: downloads a zip archive of
// the declared ref via the Repositories.Archive API (retrying while
// GitLab is still assembling it, per the 202 Accepted contract) and
// extracts it, stripping GitLab's top-level directory.
package forge

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	gitlab "gitlab.com/gitlab-org/api/client-go"
	"github.com/sirupsen/logrus"
)

// archiveRetries bounds how many times Fetch polls a still-assembling
// GitLab archive before giving up.
const archiveRetries = 10

// GitLabFetcher implements Fetcher against a GitLab instance's repository
// archive API.
type GitLabFetcher struct {
	Log *logrus.Entry
}

// Fetch downloads spec's repository at spec.Ref as a zip archive and
// extracts it into destDir. spec.Name is the GitLab project path
// ("group/project").
func (f GitLabFetcher) Fetch(spec Spec, destDir string) error {
	client, err := gitlab.NewClient(spec.Token, gitlab.WithBaseURL(strings.TrimSuffix(spec.URL, "/")+"/api/v4"))
	if err != nil {
		return fmt.Errorf("forge: gitlab: creating client for %s: %w", spec.URL, err)
	}

	ref := spec.Ref
	if ref == "" {
		ref = "main"
	}
	format := "zip"
	opt := &gitlab.ArchiveOptions{SHA: &ref, Format: &format}

	var archive []byte
	for attempt := 0; attempt < archiveRetries; attempt++ {
		data, resp, err := client.Repositories.Archive(spec.Name, opt)
		if err != nil {
			return fmt.Errorf("forge: gitlab: requesting archive for %s@%s: %w", spec.Name, ref, err)
		}
		if resp.StatusCode == 202 {
			time.Sleep(2 * time.Second)
			continue
		}
		if resp.StatusCode != 200 {
			return fmt.Errorf("forge: gitlab: unexpected status %s fetching %s@%s", resp.Status, spec.Name, ref)
		}
		archive = data
		break
	}
	if archive == nil {
		return fmt.Errorf("forge: gitlab: archive for %s@%s not ready after %d attempts", spec.Name, ref, archiveRetries)
	}

	tmp, err := os.CreateTemp("", "forge-gitlab-*.zip")
	if err != nil {
		return fmt.Errorf("forge: gitlab: staging archive: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(archive); err != nil {
		tmp.Close()
		return fmt.Errorf("forge: gitlab: writing staged archive: %w", err)
	}
	tmp.Close()

	if err := extractZipStripTop(tmp.Name(), destDir); err != nil {
		return fmt.Errorf("forge: gitlab: extracting archive for %s@%s: %w", spec.Name, ref, err)
	}
	return nil
}

// extractZipStripTop extracts a zip archive into destDir, dropping each
// entry's first path segment.
func extractZipStripTop(src, destDir string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, entry := range r.File {
		parts := strings.SplitN(entry.Name, "/", 2)
		if len(parts) < 2 || parts[1] == "" {
			continue
		}
		target := filepath.Join(destDir, parts[1])

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		in, err := entry.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, entry.Mode())
		if err != nil {
			in.Close()
			return err
		}
		_, copyErr := io.Copy(out, in)
		in.Close()
		out.Close()
		if copyErr != nil {
			return copyErr
		}
	}
	return nil
}
