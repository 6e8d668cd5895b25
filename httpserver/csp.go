/*
 * Copyright 2025 Holger de Carne
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package httpserver

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

type ContentSecurityPolicy struct {
	DefaultSrc   []string
	ConnectSrc   []string
	ScriptSrc    []string
	StyleSrc     []string
	ImgSrc       []string
	scriptHashes map[string][]string
	styleHashes  map[string][]string
}

// AddHashes collects the hashes of all inline scripts and styles of the
// html files in fs. The hashes are added to the policy of the page they
// were found in.
func (p *ContentSecurityPolicy) AddHashes(fs fs.ReadDirFS) error {
	return p.addHashes(fs, ".")
}

func (p *ContentSecurityPolicy) addHashes(fs fs.ReadDirFS, dir string) error {
	entries, err := fs.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read directory '%s' (cause: %w)", dir, err)
	}
	for _, entry := range entries {
		entryType := entry.Type()
		entryName := entry.Name()
		entryPath := path.Join(dir, entryName)
		if entryType.IsRegular() {
			err = p.addFileHashes(fs, entryPath)
		} else if entryType.IsDir() {
			err = p.addHashes(fs, entryPath)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *ContentSecurityPolicy) addFileHashes(fs fs.ReadDirFS, filePath string) error {
	if !strings.HasSuffix(filePath, ".html") {
		return nil
	}
	file, err := fs.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open file '%s' (cause: %w)", filePath, err)
	}
	defer file.Close()
	node, err := html.Parse(file)
	if err != nil {
		return fmt.Errorf("failed to parse file '%s' (cause: %w)", filePath, err)
	}
	p.addNodeHashes(filePath, node)
	return nil
}

func (p *ContentSecurityPolicy) addNodeHashes(filePath string, node *html.Node) {
	// external scripts and styles have no inline content to hash
	if node.Type == html.ElementNode && node.FirstChild != nil && node.FirstChild.Type == html.TextNode {
		switch node.DataAtom {
		case atom.Script:
			if p.scriptHashes == nil {
				p.scriptHashes = make(map[string][]string)
			}
			p.scriptHashes[filePath] = append(p.scriptHashes[filePath], p.generateHash(node.FirstChild.Data))
		case atom.Style:
			if p.styleHashes == nil {
				p.styleHashes = make(map[string][]string)
			}
			p.styleHashes[filePath] = append(p.styleHashes[filePath], p.generateHash(node.FirstChild.Data))
		}
	}
	for _, attr := range node.Attr {
		if attr.Key == "style" {
			if p.styleHashes == nil {
				p.styleHashes = make(map[string][]string)
			}
			p.styleHashes[filePath] = append(p.styleHashes[filePath], p.generateHash(attr.Val))
		}
	}
	for child := range node.ChildNodes() {
		p.addNodeHashes(filePath, child)
	}
}

func (p *ContentSecurityPolicy) generateHash(data string) string {
	alg := sha256.New()
	alg.Write([]byte(data))
	return "'sha256-" + base64.StdEncoding.EncodeToString(alg.Sum(nil)) + "'"
}

func (p *ContentSecurityPolicy) Header() *ContentSecurityPolicyHeader {
	policyCount := len(p.scriptHashes)
	if policyCount < len(p.styleHashes) {
		policyCount = len(p.styleHashes)
	}
	policies := make(map[string]string, policyCount)
	for filePath := range p.scriptHashes {
		policies[filePath] = p.policy(filePath)
	}
	for filePath := range p.styleHashes {
		if policies[filePath] == "" {
			policies[filePath] = p.policy(filePath)
		}
	}
	defaultPolicy := p.policy("")
	if defaultPolicy == "" {
		defaultPolicy = "default-src 'none';"
	}
	return &ContentSecurityPolicyHeader{policies: policies, defaultPolicy: defaultPolicy}
}

func (p *ContentSecurityPolicy) policy(filePath string) string {
	buffer := &contentSecurityPolicyBuilder{}
	if len(p.DefaultSrc) > 0 {
		buffer.AddFetchDirective("default-src", p.DefaultSrc)
	}
	if len(p.ConnectSrc) > 0 {
		buffer.AddFetchDirective("connect-src", p.ConnectSrc)
	}
	pathScriptHashes := p.scriptHashes[filePath]
	if len(p.ScriptSrc) > 0 || len(pathScriptHashes) > 0 {
		buffer.AddFetchDirective("script-src", p.ScriptSrc, pathScriptHashes)
	}
	pathStyleHashes := p.styleHashes[filePath]
	if len(p.StyleSrc) > 0 || len(pathStyleHashes) > 0 {
		buffer.AddFetchDirective("style-src", p.StyleSrc, pathStyleHashes)
	}
	if len(p.ImgSrc) > 0 {
		buffer.AddFetchDirective("img-src", p.ImgSrc)
	}
	return buffer.String()
}

type ContentSecurityPolicyHeader struct {
	policies      map[string]string
	defaultPolicy string
}

func (h *ContentSecurityPolicyHeader) Apply(w http.ResponseWriter, r *http.Request) {
	filePath := strings.TrimPrefix(r.URL.Path, "/")
	if filePath == "" || strings.HasSuffix(filePath, "/") {
		filePath = filePath + "index.html"
	}
	policy := h.policies[filePath]
	if policy == "" {
		policy = h.defaultPolicy
	}
	w.Header().Set("Content-Security-Policy", policy)
}

type contentSecurityPolicyBuilder struct {
	strings.Builder
}

func (b *contentSecurityPolicyBuilder) AddFetchDirective(directive string, srcs ...[]string) {
	b.WriteString(directive)
	ignoreHashes := false
	for _, src := range srcs {
		for _, srcEntry := range src {
			if ignoreHashes && strings.HasPrefix(srcEntry, "'sha256-") {
				continue
			}
			ignoreHashes = ignoreHashes || (srcEntry == "'unsafe-inline'")
			b.WriteRune(' ')
			b.WriteString(srcEntry)
		}
	}
	b.WriteRune(';')
}
