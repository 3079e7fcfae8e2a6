package models

import "testing"

func taskSet(statuses map[Role]TaskStatus) []*Task {
	var tasks []*Task
	for role, status := range statuses {
		tasks = append(tasks, &Task{ID: string(role), Role: role, Status: status})
	}
	return tasks
}

func TestComputeJobStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses map[Role]TaskStatus
		want     JobStatus
	}{
		{
			name: "all succeeded",
			statuses: map[Role]TaskStatus{
				RoleIngestion: TaskSucceeded,
				RoleFrontend:  TaskSucceeded,
				RoleBackend:   TaskSucceeded,
				RoleDatabase:  TaskSucceeded,
				RoleTesting:   TaskSucceeded,
			},
			want: JobSucceeded,
		},
		{
			name: "backend failed testing skipped",
			statuses: map[Role]TaskStatus{
				RoleIngestion: TaskSucceeded,
				RoleFrontend:  TaskSucceeded,
				RoleBackend:   TaskFailed,
				RoleDatabase:  TaskSucceeded,
				RoleTesting:   TaskSkipped,
			},
			want: JobPartiallyFailed,
		},
		{
			name: "ingestion failed",
			statuses: map[Role]TaskStatus{
				RoleIngestion: TaskFailed,
				RoleFrontend:  TaskSkipped,
				RoleBackend:   TaskSkipped,
				RoleDatabase:  TaskSkipped,
				RoleTesting:   TaskSkipped,
			},
			want: JobFailed,
		},
		{
			name: "all generation roles lost",
			statuses: map[Role]TaskStatus{
				RoleIngestion: TaskSucceeded,
				RoleFrontend:  TaskFailed,
				RoleBackend:   TaskFailed,
				RoleDatabase:  TaskFailed,
				RoleTesting:   TaskSkipped,
			},
			want: JobFailed,
		},
		{
			name: "still running",
			statuses: map[Role]TaskStatus{
				RoleIngestion: TaskSucceeded,
				RoleFrontend:  TaskRunning,
				RoleBackend:   TaskReady,
				RoleDatabase:  TaskBlocked,
				RoleTesting:   TaskBlocked,
			},
			want: JobRunning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeJobStatus(taskSet(tt.statuses)); got != tt.want {
				t.Errorf("ComputeJobStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestJobStatusTerminal(t *testing.T) {
	if JobRunning.Terminal() || JobPending.Terminal() {
		t.Error("pending/running must not be terminal")
	}
	for _, s := range []JobStatus{JobSucceeded, JobPartiallyFailed, JobFailed} {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
}
