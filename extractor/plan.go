package extractor

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Format identifies an archive container
type Format int

const (
	FormatUnknown Format = iota
	FormatSevenZip
	FormatZip
)

// String returns the string representation of the format
func (f Format) String() string {
	switch f {
	case FormatSevenZip:
		return "7z"
	case FormatZip:
		return "zip"
	default:
		return "unknown"
	}
}

// volumePattern matches split 7z volumes such as img_celeba.7z.003
var volumePattern = regexp.MustCompile(`^(.+\.7z)\.(\d{3})$`)

// DetectFormat guesses the container from the file name
func DetectFormat(name string) Format {
	lower := strings.ToLower(filepath.Base(name))
	switch {
	case strings.HasSuffix(lower, ".7z"), volumePattern.MatchString(lower):
		return FormatSevenZip
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip
	default:
		return FormatUnknown
	}
}

// ExtractionTask is one archive, possibly split over several volumes
type ExtractionTask struct {
	ArchivePath    string   `json:"archive_path"`
	DestinationDir string   `json:"destination_dir"`
	Format         Format   `json:"format"`
	Volumes        []string `json:"volumes,omitempty"` // first volume first
	Missing        []string `json:"missing,omitempty"` // volumes expected but absent
}

// NewExtractionTask builds a task for a single archive path
func NewExtractionTask(archivePath, destinationDir string) ExtractionTask {
	return ExtractionTask{
		ArchivePath:    archivePath,
		DestinationDir: destinationDir,
		Format:         DetectFormat(archivePath),
		Volumes:        []string{archivePath},
	}
}

// String implements fmt.Stringer
func (t ExtractionTask) String() string {
	name := filepath.Base(t.ArchivePath)
	if len(t.Volumes) > 1 {
		return fmt.Sprintf("%s (%d volumes)", name, len(t.Volumes))
	}
	return name
}

// Plan lists dir and groups its archives into extraction tasks writing into
// dest. Split 7z volumes become a single task keyed by their first volume.
// Files that are not archives are returned in skipped.
func Plan(dir, dest string) (tasks []ExtractionTask, skipped []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	sets := make(map[string][]int)
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()

		if m := volumePattern.FindStringSubmatch(name); m != nil {
			n, _ := strconv.Atoi(m[2])
			sets[m[1]] = append(sets[m[1]], n)
			continue
		}

		switch DetectFormat(name) {
		case FormatSevenZip, FormatZip:
			tasks = append(tasks, NewExtractionTask(filepath.Join(dir, name), dest))
		default:
			skipped = append(skipped, name)
		}
	}

	for base, numbers := range sets {
		tasks = append(tasks, volumeTask(dir, dest, base, numbers))
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ArchivePath < tasks[j].ArchivePath })
	sort.Strings(skipped)
	return tasks, skipped, nil
}

func volumeTask(dir, dest, base string, numbers []int) ExtractionTask {
	sort.Ints(numbers)
	present := make(map[int]bool, len(numbers))
	for _, n := range numbers {
		present[n] = true
	}

	task := ExtractionTask{
		ArchivePath:    filepath.Join(dir, volumeName(base, 1)),
		DestinationDir: dest,
		Format:         FormatSevenZip,
	}
	for n := 1; n <= numbers[len(numbers)-1]; n++ {
		path := filepath.Join(dir, volumeName(base, n))
		if present[n] {
			task.Volumes = append(task.Volumes, path)
		} else {
			task.Missing = append(task.Missing, path)
		}
	}
	return task
}

func volumeName(base string, n int) string {
	return fmt.Sprintf("%s.%03d", base, n)
}
