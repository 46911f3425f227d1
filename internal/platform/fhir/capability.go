package fhir

// CapabilityStatement is the subset of a FHIR R4 CapabilityStatement needed
// to discover which operations an upstream server supports per resource.
type CapabilityStatement struct {
	ResourceType string           `json:"resourceType"`
	Status       string           `json:"status,omitempty"`
	FHIRVersion  string           `json:"fhirVersion,omitempty"`
	Rest         []CapabilityRest `json:"rest,omitempty"`
}

type CapabilityRest struct {
	Mode     string               `json:"mode"`
	Resource []CapabilityResource `json:"resource,omitempty"`
}

type CapabilityResource struct {
	Type      string                `json:"type"`
	Operation []CapabilityOperation `json:"operation,omitempty"`
}

type CapabilityOperation struct {
	Name       string `json:"name"`
	Definition string `json:"definition,omitempty"`
}

// OperationsByResource flattens the server-mode rest entries into a
// resource type -> operation names map. Operation names lose any leading
// "$" so "$everything" and "everything" compare equal.
func (cs *CapabilityStatement) OperationsByResource() map[string][]string {
	out := make(map[string][]string)
	for _, rest := range cs.Rest {
		if rest.Mode != "" && rest.Mode != "server" {
			continue
		}
		for _, res := range rest.Resource {
			if res.Type == "" {
				continue
			}
			if _, ok := out[res.Type]; !ok {
				out[res.Type] = []string{}
			}
			for _, op := range res.Operation {
				name := op.Name
				if len(name) > 0 && name[0] == '$' {
					name = name[1:]
				}
				if name != "" {
					out[res.Type] = append(out[res.Type], name)
				}
			}
		}
	}
	return out
}

// Parameters is a FHIR Parameters resource, used as the request body of
// operations invoked with POST.
type Parameters struct {
	ResourceType string      `json:"resourceType"`
	Parameter    []Parameter `json:"parameter,omitempty"`
}

type Parameter struct {
	Name            string      `json:"name"`
	ValueBoolean    *bool       `json:"valueBoolean,omitempty"`
	ValueString     string      `json:"valueString,omitempty"`
	ValueDate       string      `json:"valueDate,omitempty"`
	ValueIdentifier *Identifier `json:"valueIdentifier,omitempty"`
	Part            []Parameter `json:"part,omitempty"`
}
