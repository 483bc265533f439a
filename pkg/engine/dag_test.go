package engine

import (
	"reflect"
	"strings"
	"testing"
)

func templateOf(defs ...interface{}) *Template {
	t := NewTemplate()
	for i := 0; i+1 < len(defs); i += 2 {
		t.Set(defs[i].(string), defs[i+1].(ResourceDefinition))
	}
	return t
}

func TestBuildDependencyGraph_Empty(t *testing.T) {
	graph, err := BuildDependencyGraph(NewTemplate())
	if err != nil {
		t.Fatalf("Expected no error for empty template, got: %v", err)
	}
	if graph.Depth() != 0 {
		t.Errorf("Expected depth 0, got %d", graph.Depth())
	}
	if len(graph.Edges) != 0 {
		t.Errorf("Expected 0 edges, got %d", len(graph.Edges))
	}
}

func TestBuildDependencyGraph_Independent(t *testing.T) {
	tpl := templateOf(
		"Zeta", ResourceDefinition{Type: "AWS::S3::Bucket"},
		"Alpha", ResourceDefinition{Type: "AWS::S3::Bucket"},
		"Mid", ResourceDefinition{Type: "AWS::SQS::Queue"},
	)

	graph, err := BuildDependencyGraph(tpl)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := [][]string{{"Zeta", "Alpha", "Mid"}}
	if !reflect.DeepEqual(graph.Levels, want) {
		t.Errorf("Expected levels %v, got %v", want, graph.Levels)
	}
}

func TestBuildDependencyGraph_ImplicitAndExplicit(t *testing.T) {
	tpl := templateOf(
		"Function", ResourceDefinition{
			Type: "AWS::Lambda::Function",
			Properties: map[string]interface{}{
				"Role": map[string]interface{}{"Fn::GetAtt": []interface{}{"Role", "Arn"}},
				"Environment": map[string]interface{}{
					"Variables": map[string]interface{}{
						"BUCKET": map[string]interface{}{"Ref": "Bucket"},
						"REGION": map[string]interface{}{"Ref": "AWS::Region"},
					},
				},
			},
		},
		"Role", ResourceDefinition{Type: "AWS::IAM::Role"},
		"Bucket", ResourceDefinition{Type: "AWS::S3::Bucket"},
		"Policy", ResourceDefinition{
			Type:      "AWS::S3::BucketPolicy",
			DependsOn: []string{"Function"},
			Properties: map[string]interface{}{
				"Bucket": map[string]interface{}{"Ref": "Bucket"},
			},
		},
	)

	graph, err := BuildDependencyGraph(tpl)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := [][]string{{"Role", "Bucket"}, {"Function"}, {"Policy"}}
	if !reflect.DeepEqual(graph.Levels, want) {
		t.Errorf("Expected levels %v, got %v", want, graph.Levels)
	}

	wantEdges := []GraphEdge{
		{From: "Bucket", To: "Function", Kind: DependencyRef},
		{From: "Role", To: "Function", Kind: DependencyGetAtt},
		{From: "Bucket", To: "Policy", Kind: DependencyRef},
		{From: "Function", To: "Policy", Kind: DependencyExplicit},
	}
	if !reflect.DeepEqual(graph.Edges, wantEdges) {
		t.Errorf("Expected edges %v, got %v", wantEdges, graph.Edges)
	}
}

func TestBuildDependencyGraph_MissingDependsOn(t *testing.T) {
	tpl := templateOf(
		"Queue", ResourceDefinition{Type: "AWS::SQS::Queue", DependsOn: []string{"Topic"}},
	)

	_, err := BuildDependencyGraph(tpl)
	if err == nil {
		t.Fatal("Expected error for missing dependency")
	}
	if CodeOf(err) != ErrCodeValidation {
		t.Errorf("Expected code %s, got %s", ErrCodeValidation, CodeOf(err))
	}
	if !strings.Contains(err.Error(), "non-existent resource Topic") {
		t.Errorf("Unexpected error message: %v", err)
	}
}

func TestBuildDependencyGraph_Cycle(t *testing.T) {
	tpl := templateOf(
		"A", ResourceDefinition{Type: "AWS::SQS::Queue", DependsOn: []string{"C"}},
		"B", ResourceDefinition{Type: "AWS::SQS::Queue", DependsOn: []string{"A"}},
		"C", ResourceDefinition{
			Type:       "AWS::SQS::Queue",
			Properties: map[string]interface{}{"RedrivePolicy": map[string]interface{}{"Ref": "B"}},
		},
	)

	_, err := BuildDependencyGraph(tpl)
	if err == nil {
		t.Fatal("Expected error for circular dependency")
	}
	if !IsPermanent(err) || CodeOf(err) != ErrCodeValidation {
		t.Errorf("Expected permanent validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "A -> B -> C -> A") {
		t.Errorf("Expected cycle path in message, got: %v", err)
	}
}

func TestDependencyGraph_ToDOT(t *testing.T) {
	tpl := templateOf(
		"Bucket", ResourceDefinition{Type: "AWS::S3::Bucket"},
		"Policy", ResourceDefinition{Type: "AWS::S3::BucketPolicy", DependsOn: []string{"Bucket"}},
	)
	graph, err := BuildDependencyGraph(tpl)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	dot := graph.ToDOT("Alpha")
	for _, want := range []string{
		`digraph "Alpha" {`,
		"cluster_level_0",
		"cluster_level_1",
		`"Bucket" -> "Policy" [style=solid, color=black];`,
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT output missing %q:\n%s", want, dot)
		}
	}
}
