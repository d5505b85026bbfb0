package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"icvmapper/internal/models"
)

// SubjectSpec is what the caller names on the command line.
type SubjectSpec struct {
	// SubjectDir is a subject directory following the naming convention
	SubjectDir string

	// Session selects a longitudinal session directory <SubjectDir>/*<Session>
	Session string

	// Explicit image paths; T1 overrides the convention
	T1, FLAIR, T2 string

	// Output overrides the final prediction path
	Output string
}

// ResolveSubject locates the subject directory and its images.
//
// With a subject directory, images follow the convention
// <dir>/<id>_T1_nu.nii.gz, <id>_T1acq_nu_FL.nii.gz and <id>_T1acq_nu_T2.nii.gz
// and absent secondaries are skipped. With explicit paths the subject
// directory is the T1's directory and every named image must exist.
func ResolveSubject(spec SubjectSpec) (*models.Subject, error) {
	if spec.SubjectDir == "" && spec.T1 == "" {
		return nil, fmt.Errorf("%w: a subject directory or a T1 image must be given", models.ErrMissingInput)
	}

	var dir string
	switch {
	case spec.SubjectDir != "" && spec.Session != "":
		matches, err := filepath.Glob(filepath.Join(spec.SubjectDir, "*"+spec.Session))
		if err != nil {
			return nil, fmt.Errorf("session pattern: %w", err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("%w: no session %q under %s", models.ErrMissingInput, spec.Session, spec.SubjectDir)
		}
		sort.Strings(matches)
		dir = matches[0]
	case spec.SubjectDir != "":
		dir = spec.SubjectDir
	default:
		dir = filepath.Dir(spec.T1)
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	subj := &models.Subject{
		ID:     filepath.Base(dir),
		Dir:    dir,
		Inputs: make(map[models.Modality]string),
		Output: spec.Output,
	}

	t1 := spec.T1
	if t1 == "" {
		t1 = filepath.Join(dir, subj.ID+"_T1_nu.nii.gz")
	}
	if !exists(t1) {
		return nil, fmt.Errorf("%w: %s does not exist", models.ErrMissingInput, t1)
	}
	subj.Inputs[models.T1] = t1

	secondaries := []struct {
		m          models.Modality
		explicit   string
		convention string
	}{
		{models.FLAIR, spec.FLAIR, subj.ID + "_T1acq_nu_FL.nii.gz"},
		{models.T2, spec.T2, subj.ID + "_T1acq_nu_T2.nii.gz"},
	}
	var errs []error
	for _, s := range secondaries {
		switch {
		case s.explicit != "":
			if !exists(s.explicit) {
				errs = append(errs, fmt.Errorf("%w: %s does not exist", models.ErrMissingInput, s.explicit))
				continue
			}
			subj.Inputs[s.m] = s.explicit
		case spec.SubjectDir != "":
			if p := filepath.Join(dir, s.convention); exists(p) {
				subj.Inputs[s.m] = p
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return subj, nil
}

// Available lists the subject's modalities in channel order.
func Available(subj *models.Subject) []models.Modality {
	var out []models.Modality
	for _, m := range models.ModalityOrder {
		if subj.Input(m) != "" {
			out = append(out, m)
		}
	}
	return out
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
