package dag

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/leapstack-labs/leaplineage/pkg/core"
)

// dagFile is the YAML shape of a workflow definition.
type dagFile struct {
	ID          string     `yaml:"dag_id"`
	Description string     `yaml:"description"`
	Owner       string     `yaml:"owner"`
	Tags        []string   `yaml:"tags"`
	Schedule    string     `yaml:"schedule"`
	StartDate   time.Time  `yaml:"start_date"`
	Tasks       []taskFile `yaml:"tasks"`
	Runs        []runFile  `yaml:"runs"`
}

type taskFile struct {
	ID          string    `yaml:"task_id"`
	Operator    string    `yaml:"operator"`
	Description string    `yaml:"description"`
	Inlets      []string  `yaml:"inlets"`
	Outlets     []string  `yaml:"outlets"`
	Downstream  []string  `yaml:"downstream"`
	StartDate   time.Time `yaml:"start_date"`
	EndDate     time.Time `yaml:"end_date"`
}

type runFile struct {
	RunID         string             `yaml:"run_id"`
	State         State              `yaml:"state"`
	ExecutionDate time.Time          `yaml:"execution_date"`
	StartDate     time.Time          `yaml:"start_date"`
	EndDate       time.Time          `yaml:"end_date"`
	Tasks         []taskInstanceFile `yaml:"tasks"`
}

type taskInstanceFile struct {
	TaskID    string    `yaml:"task_id"`
	State     State     `yaml:"state"`
	StartDate time.Time `yaml:"start_date"`
	EndDate   time.Time `yaml:"end_date"`
}

// LoadFile reads and validates a workflow definition from a YAML file.
func LoadFile(path string) (*DAG, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is provided by the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read dag file: %w", err)
	}

	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if abs, err := filepath.Abs(path); err == nil {
		d.FileLoc = abs
	} else {
		d.FileLoc = path
	}
	return d, nil
}

// Parse decodes and validates a workflow definition.
func Parse(data []byte) (*DAG, error) {
	var f dagFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid dag definition: %w", err)
	}

	d := &DAG{
		ID:          f.ID,
		Description: f.Description,
		Owner:       f.Owner,
		Tags:        f.Tags,
		Schedule:    f.Schedule,
		StartDate:   f.StartDate,
	}

	for _, tf := range f.Tasks {
		inlets, err := parseRefs(tf.Inlets)
		if err != nil {
			return nil, fmt.Errorf("task %s inlets: %w", tf.ID, err)
		}
		outlets, err := parseRefs(tf.Outlets)
		if err != nil {
			return nil, fmt.Errorf("task %s outlets: %w", tf.ID, err)
		}
		d.Tasks = append(d.Tasks, &Task{
			ID:          tf.ID,
			Operator:    tf.Operator,
			Description: tf.Description,
			Inlets:      inlets,
			Outlets:     outlets,
			Downstream:  tf.Downstream,
			StartDate:   tf.StartDate,
			EndDate:     tf.EndDate,
		})
	}

	for _, rf := range f.Runs {
		run := Run{
			RunID:         rf.RunID,
			State:         rf.State,
			ExecutionDate: rf.ExecutionDate,
			StartDate:     rf.StartDate,
			EndDate:       rf.EndDate,
		}
		for _, ti := range rf.Tasks {
			run.TaskInstances = append(run.TaskInstances, TaskInstance(ti))
		}
		d.Runs = append(d.Runs, run)
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func parseRefs(raw []string) ([]core.DatasetRef, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	refs := make([]core.DatasetRef, 0, len(raw))
	for _, s := range raw {
		ref, err := core.ParseDatasetRef(s)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}
