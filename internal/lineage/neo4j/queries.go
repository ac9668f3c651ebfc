package neo4j

var schemaStatements = []string{
	`CREATE CONSTRAINT interaction_id IF NOT EXISTS FOR (i:Interaction) REQUIRE i.id IS UNIQUE`,
	`CREATE CONSTRAINT example_id IF NOT EXISTS FOR (e:TrainingExample) REQUIRE e.id IS UNIQUE`,
	`CREATE CONSTRAINT model_version IF NOT EXISTS FOR (m:ModelVersion) REQUIRE m.name IS UNIQUE`,
}

// A record has at most one canonical, so older edges are replaced.
const duplicateOfQuery = `
	MERGE (i:Interaction {id: $id})
	MERGE (c:Interaction {id: $canonical})
	WITH i, c
	OPTIONAL MATCH (i)-[old:DUPLICATE_OF]->()
	DELETE old
	MERGE (i)-[r:DUPLICATE_OF]->(c)
	SET r.score = $score,
	    r.recorded_at = timestamp()
`

const promotedFromQuery = `
	MERGE (e:TrainingExample {id: $example})
	MERGE (i:Interaction {id: $interaction})
	MERGE (e)-[r:PROMOTED_FROM]->(i)
	SET r.recorded_at = timestamp()
`

const answerDuplicateOfQuery = `
	MERGE (e:TrainingExample {id: $example})
	MERGE (c:TrainingExample {id: $canonical})
	MERGE (e)-[r:ANSWER_DUPLICATE_OF]->(c)
	SET r.score = $score,
	    r.recorded_at = timestamp()
`

const trainedInQuery = `
	MERGE (i:Interaction {id: $interaction})
	MERGE (m:ModelVersion {name: $version})
	MERGE (i)-[r:TRAINED_IN]->(m)
	SET r.recorded_at = timestamp()
`

const provenanceQuery = `
	MATCH p = (i:Interaction {id: $id})-[:DUPLICATE_OF*1..]->(c:Interaction)
	RETURN c.id AS id
	ORDER BY length(p)
`
