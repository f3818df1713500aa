package service

import (
	"fmt"
	"sort"
	"strings"

	"github.com/primal-host/plc-mirror/internal/plcdata"
)

// didContext is the fixed set of JSON-LD contexts every DID document we
// serve declares, matching what plc.directory itself sends.
var didContext = []string{
	"https://www.w3.org/ns/did/v1",
	"https://w3id.org/security/multikey/v1",
	"https://w3id.org/security/suites/secp256k1-2019/v1",
}

// didDocument is the W3C DID document shape served at GET /{did}.
type didDocument struct {
	Context            []string             `json:"@context"`
	ID                 string               `json:"id"`
	AlsoKnownAs        []string             `json:"alsoKnownAs"`
	VerificationMethod []verificationMethod `json:"verificationMethod"`
	Service            []didService         `json:"service"`
}

type verificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

type didService struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// buildDIDDocument renders a PlcData as a DID document. Returns an error
// if a verification method's key is not a did:key (corrupted state).
func buildDIDDocument(did string, data plcdata.PlcData) (*didDocument, error) {
	services := make([]string, 0, len(data.VerificationMethods))
	for service := range data.VerificationMethods {
		services = append(services, service)
	}
	sort.Strings(services)

	methods := make([]verificationMethod, 0, len(services))
	for _, service := range services {
		key := data.VerificationMethods[service]
		multibase, ok := strings.CutPrefix(key, "did:key:")
		if !ok {
			return nil, fmt.Errorf("service: verification method %q is not a did:key: %s", service, key)
		}
		methods = append(methods, verificationMethod{
			ID:                 fmt.Sprintf("%s#%s", did, service),
			Type:               "Multikey",
			Controller:         did,
			PublicKeyMultibase: multibase,
		})
	}

	kinds := make([]string, 0, len(data.Services))
	for kind := range data.Services {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	svcs := make([]didService, 0, len(kinds))
	for _, kind := range kinds {
		svc := data.Services[kind]
		svcs = append(svcs, didService{
			ID:              "#" + kind,
			Type:            svc.Type,
			ServiceEndpoint: svc.Endpoint,
		})
	}

	aka := data.AlsoKnownAs
	if aka == nil {
		aka = []string{}
	}

	return &didDocument{
		Context:            didContext,
		ID:                 did,
		AlsoKnownAs:        aka,
		VerificationMethod: methods,
		Service:            svcs,
	}, nil
}
