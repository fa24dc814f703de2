package nimbus

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"time"
)

const (
	nsAddressing = "http://schemas.xmlsoap.org/ws/2004/03/addressing"
	nsXSI        = "http://www.w3.org/2001/XMLSchema-instance"
	nsWorkspace  = "http://www.globus.org/2008/06/workspace"
	nsNegotiable = "http://www.globus.org/2008/06/workspace/negotiable"
	nsMetadata   = "http://www.globus.org/2008/06/workspace/metadata"
	nsDefinition = "http://www.globus.org/2008/06/workspace/metadata/definition"
	nsLogistics  = "http://www.globus.org/2008/06/workspace/metadata/logistics"
	nsJSDL       = "http://schemas.ggf.org/jsdl/2005/11/jsdl"

	partitionName = "blankdisk1"
)

// The workspace client reads prefixed element names literally, so the
// prefixes are spelled out in the tags.

type epr struct {
	XMLName    xml.Name `xml:"WORKSPACE_EPR"`
	NS1        string   `xml:"xmlns:ns1,attr"`
	XSI        string   `xml:"xmlns:xsi,attr"`
	Type       string   `xml:"xsi:type,attr"`
	Address    eprTyped `xml:"ns1:Address"`
	Properties eprProps `xml:"ns1:ReferenceProperties"`
	Parameters eprTyped `xml:"ns1:ReferenceParameters"`
}

type eprTyped struct {
	Type  string `xml:"xsi:type,attr"`
	Value string `xml:",chardata"`
}

type eprProps struct {
	Type string `xml:"xsi:type,attr"`
	Key  eprKey `xml:"ns2:WorkspaceKey"`
}

type eprKey struct {
	NS2   string `xml:"xmlns:ns2,attr"`
	Value string `xml:",chardata"`
}

// eprDocument addresses an existing workspace. id must be numeric.
func eprDocument(id, host string, port int) ([]byte, error) {
	if _, err := strconv.Atoi(id); err != nil {
		return nil, fmt.Errorf("workspace id %q is not numeric", id)
	}
	doc := epr{
		NS1:        nsAddressing,
		XSI:        nsXSI,
		Type:       "ns1:EndpointReferenceType",
		Address:    eprTyped{Type: "ns1:AttributedURI", Value: fmt.Sprintf("https://%s:%d/wsrf/services/WorkspaceService", host, port)},
		Properties: eprProps{Type: "ns1:ReferencePropertiesType", Key: eprKey{NS2: nsWorkspace, Value: id}},
		Parameters: eprTyped{Type: "ns1:ReferenceParametersType"},
	}
	return marshal(doc)
}

type deployment struct {
	XMLName  xml.Name           `xml:"WorkspaceDeployment"`
	NS       string             `xml:"xmlns,attr"`
	JSDL     string             `xml:"xmlns:jsdl,attr"`
	XSI      string             `xml:"xmlns:xsi,attr"`
	Time     deploymentTime     `xml:"DeploymentTime"`
	State    string             `xml:"InitialState"`
	Alloc    resourceAllocation `xml:"ResourceAllocation"`
	Nodes    int                `xml:"NodeNumber"`
	Shutdown string             `xml:"ShutdownMechanism"`
}

type deploymentTime struct {
	MinDuration string `xml:"minDuration"`
}

type resourceAllocation struct {
	Memory  exact    `xml:"jsdl:IndividualPhysicalMemory"`
	CPUs    exact    `xml:"jsdl:IndividualCPUCount"`
	Storage *storage `xml:"Storage,omitempty"`
}

type exact struct {
	Exact int `xml:"jsdl:Exact"`
}

type storage struct {
	Entry storageEntry `xml:"entry"`
}

type storageEntry struct {
	Partition string `xml:"partitionName"`
	Disk      exact  `xml:"jsdl:IndividualDiskSpace"`
}

// deploymentDocument requests one running workspace. storageGB of zero
// leaves out the blank partition.
func deploymentDocument(lifetime time.Duration, memory, cores, storageGB int) ([]byte, error) {
	if cores <= 0 {
		cores = 1
	}
	doc := deployment{
		NS:       nsNegotiable,
		JSDL:     nsJSDL,
		XSI:      nsXSI,
		Time:     deploymentTime{MinDuration: fmt.Sprintf("PT%dM", int(lifetime/time.Minute))},
		State:    "Running",
		Alloc:    resourceAllocation{Memory: exact{memory}, CPUs: exact{cores}},
		Nodes:    1,
		Shutdown: "Trash",
	}
	if storageGB > 0 {
		doc.Alloc.Storage = &storage{Entry: storageEntry{Partition: partitionName, Disk: exact{storageGB * 1024}}}
	}
	return marshal(doc)
}

type metadata struct {
	XMLName    xml.Name   `xml:"VirtualWorkspace"`
	NS         string     `xml:"xmlns,attr"`
	Def        string     `xml:"xmlns:def,attr"`
	Log        string     `xml:"xmlns:log,attr"`
	JSDL       string     `xml:"xmlns:jsdl,attr"`
	XSI        string     `xml:"xmlns:xsi,attr"`
	Name       string     `xml:"name"`
	Logistics  logistics  `xml:"log:logistics"`
	Definition definition `xml:"def:definition"`
}

type logistics struct {
	NIC nic `xml:"log:networking>log:nic"`
}

type nic struct {
	Name        string `xml:"log:name"`
	Acquisition string `xml:"log:ipConfig>log:acquisitionMethod"`
	Association string `xml:"log:association"`
}

type definition struct {
	Arch  string  `xml:"def:requirements>jsdl:CPUArchitecture>jsdl:CPUArchitectureName"`
	VMM   vmm     `xml:"def:requirements>def:VMM"`
	Disks diskSet `xml:"def:diskCollection"`
}

type vmm struct {
	Type    string `xml:"def:type"`
	Version string `xml:"def:version"`
}

type diskSet struct {
	Root  rootDisk   `xml:"def:rootVBD"`
	Blank *blankDisk `xml:"def:blankspacePartition,omitempty"`
}

type rootDisk struct {
	Location    string `xml:"def:location"`
	MountAs     string `xml:"def:mountAs"`
	Permissions string `xml:"def:permissions"`
}

type blankDisk struct {
	Partition string `xml:"def:partitionName"`
	MountAs   string `xml:"def:mountAs"`
}

// metadataDocument describes the workspace image and network
func metadataDocument(name, network, arch, image string, blank bool, opts Options) ([]byte, error) {
	doc := metadata{
		NS:   nsMetadata,
		Def:  nsDefinition,
		Log:  nsLogistics,
		JSDL: nsJSDL,
		XSI:  nsXSI,
		Name: "http://" + name,
		Logistics: logistics{NIC: nic{
			Name:        "eth0",
			Acquisition: "AllocateAndConfigure",
			Association: network,
		}},
		Definition: definition{
			Arch: arch,
			VMM:  vmm{Type: opts.Hypervisor, Version: "3"},
			Disks: diskSet{Root: rootDisk{
				Location:    image,
				MountAs:     opts.ImageAttachDevice,
				Permissions: "ReadWrite",
			}},
		},
	}
	if blank {
		doc.Definition.Disks.Blank = &blankDisk{Partition: partitionName, MountAs: opts.ScratchAttachDevice}
	}
	return marshal(doc)
}

type optional struct {
	XMLName    xml.Name    `xml:"OptionalParameters"`
	Writes     []fileWrite `xml:"filewrite"`
	Credential string      `xml:"credentialToCopy,omitempty"`
}

type fileWrite struct {
	Content string `xml:"content"`
	Path    string `xml:"pathOnVM"`
}

// optionalDocument carries the user data and an optional credential. The
// customization is written to path on the VM.
func optionalDocument(customization, path, credential string) ([]byte, error) {
	doc := optional{Credential: credential}
	if customization != "" {
		doc.Writes = []fileWrite{{Content: customization, Path: path}}
	}
	return marshal(doc)
}

func marshal(v interface{}) ([]byte, error) {
	out, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}
