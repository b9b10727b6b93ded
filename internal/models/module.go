package models

import (
	"fmt"
	"strings"
	"time"
)

/**
 * Persisted record of a module deployed on a target
 * @property {string} target - Target name
 * @property {string} moduleId - Module id, unique within the target
 * @property {string} parentId - Parent module id, empty for root modules
 * @property {string} rootId - Id of the root module of the subtree, equals moduleId for roots
 * @property {int} position - Position among the parent's children
 * @property {ModuleType} type - Module type
 * @property {string} webUrl - Web endpoint for web modules
 * @property {bool} running - Whether the module is started
 * @property {string} archive - Artifact path on the target storage
 * @property {string} digest - sha256 of the distributed archive
 */
type ModuleRecord struct {
	Target    string     `json:"target" gorm:"primaryKey;size:128"`
	ModuleID  string     `json:"moduleId" gorm:"primaryKey;size:255"`
	ParentID  string     `json:"parentId,omitempty" gorm:"size:255;index"`
	RootID    string     `json:"rootId" gorm:"size:255;index"`
	Position  int        `json:"position"`
	Type      ModuleType `json:"type" gorm:"size:8"`
	WebURL    string     `json:"webUrl,omitempty"`
	Running   bool       `json:"running"`
	Archive   string     `json:"archive,omitempty"`
	Digest    string     `json:"digest,omitempty" gorm:"size:64"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func (r ModuleRecord) IsRoot() bool {
	return r.ParentID == ""
}

/**
 * Persisted summary of a finished deployment operation
 * @property {string} id - Operation id
 * @property {CommandType} command - Executed command
 * @property {StateType} state - Terminal state
 * @property {string} message - Final status message
 * @property {string} modules - Comma separated result module ids
 */
type OperationRecord struct {
	ID         string      `json:"id" gorm:"primaryKey;size:64"`
	Command    CommandType `json:"command" gorm:"size:16"`
	State      StateType   `json:"state" gorm:"size:16"`
	Action     ActionType  `json:"action" gorm:"size:16"`
	Message    string      `json:"message"`
	Modules    string      `json:"modules"`
	StartTime  time.Time   `json:"startTime"`
	FinishTime time.Time   `json:"finishTime"`
}

// ModuleDetail is the API view of a module identity node.
type ModuleDetail struct {
	Target   string         `json:"target"`
	ModuleID string         `json:"moduleId"`
	ParentID string         `json:"parentId,omitempty"`
	Type     ModuleType     `json:"type,omitempty"`
	WebURL   string         `json:"webUrl,omitempty"`
	Running  bool           `json:"running"`
	Children []ModuleDetail `json:"children,omitempty"`
}

// ModuleRef addresses a module from API and CLI requests.
type ModuleRef struct {
	Target   string `json:"target" binding:"required"`
	ModuleID string `json:"moduleId" binding:"required"`
}

// ProgressEventDetail is the API view of a progress event.
type ProgressEventDetail struct {
	OperationID string           `json:"operationId"`
	Module      *ModuleRef       `json:"module,omitempty"`
	Status      DeploymentStatus `json:"status"`
	Time        time.Time        `json:"time"`
}

// OperationDetail is the API view of a progress object.
type OperationDetail struct {
	ID              string           `json:"id"`
	Status          DeploymentStatus `json:"status"`
	Results         []ModuleRef      `json:"results"`
	CancelSupported bool             `json:"cancelSupported"`
	StopSupported   bool             `json:"stopSupported"`
	StartTime       time.Time        `json:"startTime"`
}

func (r ModuleRef) String() string {
	return r.Target + "/" + r.ModuleID
}

// ParseModuleRef splits "target/moduleId", the module id may contain further slashes.
func ParseModuleRef(s string) (ModuleRef, error) {
	target, id, ok := strings.Cut(s, "/")
	if !ok || target == "" || id == "" {
		return ModuleRef{}, fmt.Errorf("module %q is not in target/moduleId form", s)
	}
	return ModuleRef{Target: target, ModuleID: id}, nil
}

// ModulesRequest is the body of start/stop/undeploy requests.
type ModulesRequest struct {
	Modules []ModuleRef `json:"modules" binding:"required,min=1,dive"`
}

// OperationList holds running operations and the recorded history.
type OperationList struct {
	Active  []OperationDetail `json:"active"`
	History []OperationRecord `json:"history"`
}
