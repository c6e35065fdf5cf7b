package swagent

// Inbound SmartREST template ids handled by the software coordinator.
const (
	// TemplateSoftwareUpdateUntyped carries [name, version, url, action] records.
	TemplateSoftwareUpdateUntyped = "528"
	// TemplateSoftwareUpdateTyped carries [name, version, type, url, action] records.
	TemplateSoftwareUpdateTyped = "529"
	// TemplateSoftwareList carries the legacy full list as [name, version, url] records.
	TemplateSoftwareList = "516"
)

// Outbound SmartREST template ids.
const (
	TemplateSupportedOperations = "114"
	TemplateSoftwareInventory   = "116"
	TemplateSoftwareAdded       = "141"
	TemplateSoftwareRemoved     = "142"
	TemplateExecuting           = "501"
	TemplateFailed              = "502"
	TemplateSuccessful          = "503"
)

// Operation fragment names reported back with 501/502/503.
const (
	OperationSoftwareUpdate = "c8y_SoftwareUpdate"
	OperationSoftwareList   = "c8y_SoftwareList"
)

// Channels used by the SmartREST transport.
const (
	TopicDownstream = "s/ds"
	TopicUpstream   = "s/us"
)

// Record widths of the positional operation payloads.
const (
	widthSoftwareList    = 3
	widthUntypedUpdate   = 4
	widthTypedUpdate     = 5
	recordSeparator      = "\n"
	errorJoinDelimiter   = " - "
	defaultBinaryMarker  = "binaries"
	busyFailureText      = "Snapd is busy"
	inventoryVersionJoin = "##"
)

// Software type names as declared by the platform.
const (
	SoftwareTypeApt  = "apt"
	SoftwareTypeSnap = "snap"
)
