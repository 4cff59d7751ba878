package state

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/tmobile/percy-cake-sub001/internal/git"
)

// Drafts stores unpushed edits under
// {repoFolder}/{branch}/{appsFolder}/{app}/{file}. A file existing there is
// what makes it modified.
type Drafts struct {
	fs         billy.Filesystem
	appsFolder string
}

func NewDrafts(fs billy.Filesystem, appsFolder string) *Drafts {
	return &Drafts{fs: fs, appsFolder: appsFolder}
}

func (d *Drafts) branchDir(repoFolder, branch string) string {
	return path.Join(repoFolder, branch)
}

func (d *Drafts) file(repoFolder, branch, app, name string) string {
	return path.Join(d.branchDir(repoFolder, branch), d.appsFolder, app, name)
}

// Read returns the draft content, or found=false.
func (d *Drafts) Read(repoFolder, branch, app, name string) (content string, found bool, err error) {
	data, err := util.ReadFile(d.fs, d.file(repoFolder, branch, app, name))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read draft %s/%s: %w", app, name, err)
	}
	return string(data), true, nil
}

func (d *Drafts) Write(repoFolder, branch, app, name, content string) error {
	if err := writeFileAtomic(d.fs, d.file(repoFolder, branch, app, name), []byte(content)); err != nil {
		return fmt.Errorf("write draft %s/%s: %w", app, name, err)
	}
	return nil
}

// Remove deletes a draft. Removing a missing draft is a no-op.
func (d *Drafts) Remove(repoFolder, branch, app, name string) error {
	err := d.fs.Remove(d.file(repoFolder, branch, app, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove draft %s/%s: %w", app, name, err)
	}
	return nil
}

// List returns every draft of branch as ConfigFiles carrying DraftContent.
func (d *Drafts) List(repoFolder, branch string) ([]git.ConfigFile, error) {
	root := path.Join(d.branchDir(repoFolder, branch), d.appsFolder)
	if _, err := d.fs.Stat(root); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	var files []git.ConfigFile
	err := util.Walk(d.fs, root, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() || strings.HasPrefix(fi.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		app, name := git.SplitKey(filepath.ToSlash(rel))
		if name == "" {
			// stray file directly under the apps folder
			return nil
		}
		data, err := util.ReadFile(d.fs, p)
		if err != nil {
			return err
		}
		content := string(data)
		files = append(files, git.ConfigFile{
			ApplicationName: app,
			FileName:        name,
			DraftContent:    &content,
			Modified:        true,
			Size:            int64(len(data)),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list drafts of %s: %w", branch, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Key() < files[j].Key() })
	return files, nil
}

// RemoveBranch drops every draft of branch.
func (d *Drafts) RemoveBranch(repoFolder, branch string) error {
	if err := util.RemoveAll(d.fs, d.branchDir(repoFolder, branch)); err != nil {
		return fmt.Errorf("remove drafts of %s: %w", branch, err)
	}
	return nil
}
