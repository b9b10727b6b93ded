package models

import (
	"fmt"
	"path"
	"strings"
)

/**
 * Module type of a deployable archive
 * @description
 * - Closed set: ear/ejb/car/rar/war
 * - Extension() returns the archive file extension for the type
 */
type ModuleType string

const (
	ModuleEAR ModuleType = "ear" // enterprise application
	ModuleEJB ModuleType = "ejb" // enterprise bean jar
	ModuleCAR ModuleType = "car" // application client jar
	ModuleRAR ModuleType = "rar" // resource adapter
	ModuleWAR ModuleType = "war" // web application
)

var moduleTypes = []ModuleType{ModuleEAR, ModuleEJB, ModuleCAR, ModuleRAR, ModuleWAR}

// ModuleTypes returns every known module type in declaration order.
func ModuleTypes() []ModuleType {
	out := make([]ModuleType, len(moduleTypes))
	copy(out, moduleTypes)
	return out
}

func (t ModuleType) Extension() string {
	switch t {
	case ModuleEAR:
		return ".ear"
	case ModuleEJB, ModuleCAR:
		return ".jar"
	case ModuleRAR:
		return ".rar"
	case ModuleWAR:
		return ".war"
	}
	return ""
}

// DescriptorName is the standard deployment descriptor entry inside an archive of this type.
func (t ModuleType) DescriptorName() string {
	switch t {
	case ModuleEAR:
		return "META-INF/application.xml"
	case ModuleEJB:
		return "META-INF/ejb-jar.xml"
	case ModuleCAR:
		return "META-INF/application-client.xml"
	case ModuleRAR:
		return "META-INF/ra.xml"
	case ModuleWAR:
		return "WEB-INF/web.xml"
	}
	return ""
}

func (t ModuleType) Valid() bool {
	return t.Extension() != ""
}

/**
 * Parse module type from its string form
 * @param {string} s - Type name, case insensitive (ear/ejb/car/rar/war)
 * @returns {ModuleType, error} Module type, or error for unknown names
 */
func ParseModuleType(s string) (ModuleType, error) {
	t := ModuleType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown module type %q", s)
	}
	return t, nil
}

/**
 * Guess module type from an archive file name
 * @param {string} name - Archive file name
 * @returns {ModuleType, bool} Module type and whether the extension was conclusive
 * @description
 * - .ear/.war/.rar map directly
 * - .jar is ambiguous between ejb and car, returns ModuleEJB with false
 */
func ModuleTypeFromFilename(name string) (ModuleType, bool) {
	switch strings.ToLower(path.Ext(name)) {
	case ".ear":
		return ModuleEAR, true
	case ".war":
		return ModuleWAR, true
	case ".rar":
		return ModuleRAR, true
	case ".jar":
		return ModuleEJB, false
	}
	return "", false
}

// StateType is the lifecycle state of a deployment operation.
type StateType string

const (
	StateRunning   StateType = "running"
	StateCompleted StateType = "completed"
	StateFailed    StateType = "failed"
	StateReleased  StateType = "released"
)

func (s StateType) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateReleased
}

// CommandType is the deployment command an operation executes.
type CommandType string

const (
	CommandDistribute CommandType = "distribute"
	CommandStart      CommandType = "start"
	CommandStop       CommandType = "stop"
	CommandUndeploy   CommandType = "undeploy"
	CommandRedeploy   CommandType = "redeploy"
)

// ActionType tells whether the status comes from normal execution or from a cancel/stop request.
type ActionType string

const (
	ActionExecute ActionType = "execute"
	ActionCancel  ActionType = "cancel"
	ActionStop    ActionType = "stop"
)

// ConfigBeanVersion is the platform version configuration beans are generated for.
type ConfigBeanVersion string

const (
	ConfigBeanV1_3   ConfigBeanVersion = "V1_3"
	ConfigBeanV1_3_1 ConfigBeanVersion = "V1_3_1"
	ConfigBeanV1_4   ConfigBeanVersion = "V1_4"
	ConfigBeanV5     ConfigBeanVersion = "V5"
)

func ParseConfigBeanVersion(s string) (ConfigBeanVersion, error) {
	switch v := ConfigBeanVersion(strings.ToUpper(strings.TrimSpace(s))); v {
	case ConfigBeanV1_3, ConfigBeanV1_3_1, ConfigBeanV1_4, ConfigBeanV5:
		return v, nil
	}
	return "", fmt.Errorf("unknown config bean version %q", s)
}

/**
 * Server target a module can be deployed to
 * @property {string} name - Target name, unique in the registry
 * @property {string} description - Free text description
 */
type Target struct {
	Name        string `json:"name" mapstructure:"name"`
	Description string `json:"description" mapstructure:"description"`
}

func (t Target) String() string {
	return t.Name
}

/**
 * Status snapshot of a deployment operation
 * @property {StateType} state - running/completed/failed/released
 * @property {CommandType} command - Command being executed
 * @property {ActionType} action - execute/cancel/stop
 * @property {string} message - Free text message
 */
type DeploymentStatus struct {
	State   StateType   `json:"state"`
	Command CommandType `json:"command"`
	Action  ActionType  `json:"action"`
	Message string      `json:"message,omitempty"`
}

func (s DeploymentStatus) IsRunning() bool   { return s.State == StateRunning }
func (s DeploymentStatus) IsCompleted() bool { return s.State == StateCompleted }
func (s DeploymentStatus) IsFailed() bool    { return s.State == StateFailed }
func (s DeploymentStatus) IsReleased() bool  { return s.State == StateReleased }

func (s DeploymentStatus) String() string {
	if s.Message == "" {
		return fmt.Sprintf("%s %s (%s)", s.Command, s.State, s.Action)
	}
	return fmt.Sprintf("%s %s (%s): %s", s.Command, s.State, s.Action, s.Message)
}
