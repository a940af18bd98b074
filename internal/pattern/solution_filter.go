package pattern

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

type solutionFilter struct {
	Solution struct {
		Path     string   `json:"path"`
		Projects []string `json:"projects"`
	} `json:"solution"`
}

// SolutionFilterProjects returns the project paths listed in a solution
// filter (.slnf) file, as written in the file.
func SolutionFilterProjects(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f solutionFilter
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid solution filter %s: %w", path, err)
	}
	var out []string
	for _, p := range f.Solution.Projects {
		if strings.TrimSpace(p) == "" {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// ExpandSolutionFilters resolves every filter pattern against root and turns
// each project listed in the matching filter files into an include pattern.
// The patterns are anchored at root's parent, the solution folder.
func ExpandSolutionFilters(root string, filterPatterns []string) ([]string, error) {
	var includes []string
	for _, fp := range filterPatterns {
		files, err := Resolve(root, fp)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			projects, err := SolutionFilterProjects(file)
			if err != nil {
				return nil, err
			}
			for _, p := range projects {
				includes = append(includes, "../"+strings.ReplaceAll(p, `\`, "/"))
			}
		}
	}
	return includes, nil
}
